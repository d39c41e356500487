package wire

import (
	"encoding/json"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		desc    string
		ret     int
		err     error
		wantRet int
		wantErr error
	}{
		{desc: "success", ret: 12, wantRet: 12},
		{desc: "zero", ret: 0, wantRet: 0},
		{desc: "errno", ret: 5, err: unix.EPIPE, wantErr: unix.EPIPE},
		{desc: "wrapped errno", err: errors.Wrap(unix.ENOTCONN, "recv"), wantErr: unix.ENOTCONN},
		{desc: "other error", err: errors.New("boom"), wantErr: unix.EIO},
	}

	for _, test := range tests {
		b, err := json.Marshal(AcceptResp{Status: StatusOf(test.ret, test.err), Path: "/p"})
		if err != nil {
			t.Fatal(err)
		}
		got := AcceptResp{}
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatal(err)
		}

		if got.Ret() != test.wantRet {
			t.Errorf("TestStatus(%s): got ret %d, want %d", test.desc, got.Ret(), test.wantRet)
		}
		if diff := pretty.Compare(test.wantErr, got.Err()); diff != "" {
			t.Errorf("TestStatus(%s): -want/+got err:\n%s", test.desc, diff)
		}
	}
}
