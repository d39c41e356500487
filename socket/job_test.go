package socket

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestRun(t *testing.T) {
	tbl := newTable(t)
	l := mustListen(t, tbl, "/job")
	c := mustSocket(t, tbl, unix.SOCK_STREAM)
	if err := tbl.Bind(c, "/job-client"); err != nil {
		t.Fatal(err)
	}

	connect := &Job{ID: "1", Op: OpConnect, Handle: c, Path: "/job", Caller: owner}
	done := make(chan struct{})
	go func() {
		defer close(done)
		tbl.Run(connect)
	}()

	accept := &Job{ID: "2", Op: OpAccept, Handle: l, Caller: owner}
	tbl.Run(accept)
	<-done
	if accept.Err != nil || connect.Err != nil {
		t.Fatalf("TestRun: accept err %v, connect err %v", accept.Err, connect.Err)
	}
	if accept.OutPath != "/job-client" {
		t.Errorf("TestRun(accept): got path %q, want /job-client", accept.OutPath)
	}
	srv := Handle(accept.Ret)

	send := &Job{ID: "3", Op: OpSend, Handle: c, Data: []byte("hello"), Caller: owner}
	tbl.Run(send)
	if send.Err != nil || send.Ret != 5 {
		t.Errorf("TestRun(send): got (%d, %v), want (5, nil)", send.Ret, send.Err)
	}
	write := &Job{ID: "4", Op: OpWrite, Handle: c, Data: []byte("!"), Caller: owner}
	tbl.Run(write)

	recv := &Job{ID: "5", Op: OpRecv, Handle: srv, Len: 3, Caller: owner}
	tbl.Run(recv)
	if recv.Err != nil || string(recv.Out) != "hel" || recv.Ret != 3 {
		t.Errorf("TestRun(recv): got (%q, %d, %v), want (hel, 3, nil)", recv.Out, recv.Ret, recv.Err)
	}
	read := &Job{ID: "6", Op: OpRead, Handle: srv, Len: 10, Caller: owner}
	tbl.Run(read)
	if read.Err != nil || string(read.Out) != "lo!" {
		t.Errorf("TestRun(read): got (%q, %v), want (lo!, nil)", read.Out, read.Err)
	}

	bad := &Job{ID: "7", Op: Op(99), Handle: srv}
	tbl.Run(bad)
	wantErr(t, "TestRun(unknown op)", bad.Err, unix.EOPNOTSUPP)
	if bad.Op.String() != "Op(99)" {
		t.Errorf("TestRun: got %q, want Op(99)", bad.Op.String())
	}
}
