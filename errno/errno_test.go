package errno

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
)

func TestCode(t *testing.T) {
	tests := []struct {
		desc string
		err  error
		want int32
	}{
		{desc: "nil", err: nil, want: 0},
		{desc: "EINVAL", err: EINVAL, want: -22},
		{desc: "EPIPE", err: EPIPE, want: -32},
		{desc: "wrapped ENOTCONN", err: errors.Wrap(ENOTCONN, "send"), want: -int32(ENOTCONN)},
		{desc: "fmt wrapped", err: fmt.Errorf("op: %w", ETIMEDOUT), want: -int32(ETIMEDOUT)},
		{desc: "not an errno", err: errors.New("boom"), want: -int32(EIO)},
	}

	for _, test := range tests {
		if got := Code(test.err); got != test.want {
			t.Errorf("TestCode(%s): got %d, want %d", test.desc, got, test.want)
		}
	}
}

func TestFromCode(t *testing.T) {
	for _, code := range []int32{0, 1, 42} {
		if err := FromCode(code); err != nil {
			t.Errorf("TestFromCode(%d): got %v, want nil", code, err)
		}
	}

	err := FromCode(Code(EADDRINUSE))
	if !errors.Is(err, EADDRINUSE) {
		t.Errorf("TestFromCode(EADDRINUSE): got %v, want %v", err, EADDRINUSE)
	}
	if got := Code(errors.Wrap(err, "bind")); got != -int32(EADDRINUSE) {
		t.Errorf("TestFromCode: Code() of a wrapped result: got %d, want %d", got, -int32(EADDRINUSE))
	}
}
