package chunk

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/kylelemons/godebug/pretty"

	"github.com/johnsiilver/localsocks/ipc/uds"
)

func pair(t *testing.T, options ...Option) (serv, client *Client) {
	t.Helper()

	socketAddr := filepath.Join(os.TempDir(), uuid.New().String())
	udsServ, err := uds.NewServer(socketAddr, -1, -1, 0770)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { udsServ.Close() })

	udsClient, err := uds.NewClient(socketAddr, nil)
	if err != nil {
		t.Fatal(err)
	}
	servConn := <-udsServ.Conn()

	serv, err = New(servConn, options...)
	if err != nil {
		t.Fatal(err)
	}
	client, err = New(udsClient, options...)
	if err != nil {
		t.Fatal(err)
	}
	return serv, client
}

func TestClient(t *testing.T) {
	sendChunks := [][]byte{
		[]byte("hello world"),
		[]byte("are you ready to rock"),
		[]byte("i am"),
		bytes.Repeat([]byte("x"), 100000),
	}

	serv, client := pair(t)
	defer client.Close()
	defer serv.Close()

	read := func(c *Client, got *[][]byte, errs chan error) {
		for i := 0; i < len(sendChunks); i++ {
			buff, err := c.Read()
			if err != nil {
				errs <- err
				return
			}
			*got = append(*got, append([]byte{}, buff.Bytes()...))
			c.Recycle(buff)
		}
	}
	write := func(c *Client, errs chan error) {
		for _, chunk := range sendChunks {
			if err := c.Write(chunk); err != nil {
				errs <- err
				return
			}
		}
	}

	errs := make(chan error, 4)
	serverGot, clientGot := [][]byte{}, [][]byte{}
	wg := sync.WaitGroup{}
	wg.Add(4)
	go func() { defer wg.Done(); write(serv, errs) }()
	go func() { defer wg.Done(); write(client, errs) }()
	go func() { defer wg.Done(); read(serv, &serverGot, errs) }()
	go func() { defer wg.Done(); read(client, &clientGot, errs) }()
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("TestClient: %s", err)
	}
	if diff := pretty.Compare(sendChunks, clientGot); diff != "" {
		t.Errorf("TestClient(client receive): -want/+got:\n%s", diff)
	}
	if diff := pretty.Compare(sendChunks, serverGot); diff != "" {
		t.Errorf("TestClient(server receive): -want/+got:\n%s", diff)
	}
}

func TestMaxSize(t *testing.T) {
	serv, client := pair(t, MaxSize(10))
	defer client.Close()

	if err := client.Write(bytes.Repeat([]byte("x"), 11)); err != nil {
		t.Fatal(err)
	}
	if _, err := serv.Read(); err == nil {
		t.Errorf("TestMaxSize: got err == nil, want err != nil")
	}
}

func TestNewBadType(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Errorf("TestNewBadType: got err == nil, want err != nil")
	}
}
