/*
Package wire holds the RPC method names and the JSON messages exchanged between the
localsocks server and its clients.

Every response embeds a Status. Code is the result of the call in the errno wire form:
a negative errno on failure, zero or a positive count on success.
*/
package wire

import (
	"golang.org/x/sys/unix"

	"github.com/johnsiilver/localsocks/errno"
)

// FIONREAD is the MethodIoctl command returning the number of bytes that can be read
// without blocking. x/sys/unix calls it TIOCINQ on linux.
const FIONREAD = unix.TIOCINQ

// RPC methods.
const (
	MethodSocket     = "/socket"
	MethodSocketpair = "/socketpair"
	MethodBind       = "/bind"
	MethodListen     = "/listen"
	MethodConnect    = "/connect"
	MethodAccept     = "/accept"
	MethodSend       = "/send"
	MethodWrite      = "/write"
	MethodRecv       = "/recv"
	MethodRead       = "/read"
	MethodShutdown   = "/shutdown"
	MethodClose      = "/close"
	MethodFcntl      = "/fcntl"
	MethodIoctl      = "/ioctl"

	// MethodSelectRequest and MethodSelectClear are one-way.
	MethodSelectRequest = "/select/request"
	MethodSelectClear   = "/select/clear"

	// MethodSelectEvent is pushed by the server. Its data is a SelectEvent.
	MethodSelectEvent = "/select/event"

	// MethodCancel is one-way. It ends the wait of a blocking call still running.
	MethodCancel = "/cancel"
)

// Status is the result of a call.
type Status struct {
	Code int32
}

// StatusOf returns the Status for ret and err.
func StatusOf(ret int, err error) Status {
	if err != nil {
		return Status{Code: errno.Code(err)}
	}
	return Status{Code: int32(ret)}
}

// Err returns the error carried by s, nil if it carries none.
func (s Status) Err() error {
	return errno.FromCode(s.Code)
}

// Ret returns the non-negative result carried by s.
func (s Status) Ret() int {
	if s.Code < 0 {
		return 0
	}
	return int(s.Code)
}

// SocketReq is the request of MethodSocket and MethodSocketpair.
type SocketReq struct {
	Domain   int
	Type     int
	Protocol int
}

// SocketResp is the response of MethodSocket. Code is the new handle.
type SocketResp struct {
	Status
}

// SocketpairResp is the response of MethodSocketpair.
type SocketpairResp struct {
	Status
	Handles [2]int
}

// HandleReq is the request of MethodClose and MethodAccept.
type HandleReq struct {
	Handle int
	Call   uint64
}

// AddrReq is the request of MethodBind and MethodConnect.
type AddrReq struct {
	Handle int
	Path   string
	// Call names a blocking call for MethodCancel. 0 cannot be cancelled.
	Call uint64
}

// ListenReq is the request of MethodListen.
type ListenReq struct {
	Handle  int
	Backlog int
}

// AcceptResp is the response of MethodAccept. Code is the new handle, Path the address of the
// connecting socket.
type AcceptResp struct {
	Status
	Path string
}

// SendReq is the request of MethodSend and MethodWrite. Flags is ignored by MethodWrite.
type SendReq struct {
	Handle int
	Data   []byte
	Flags  int
	Call   uint64
}

// RecvReq is the request of MethodRecv and MethodRead. Flags is ignored by MethodRead.
type RecvReq struct {
	Handle int
	Len    int
	Flags  int
	Call   uint64
}

// RecvResp is the response of MethodRecv and MethodRead. An empty Data with a zero Code is
// end of file.
type RecvResp struct {
	Status
	Data []byte
}

// ShutdownReq is the request of MethodShutdown.
type ShutdownReq struct {
	Handle int
	How    int
}

// CtlReq is the request of MethodFcntl and MethodIoctl. Arg is ignored by MethodIoctl.
type CtlReq struct {
	Handle int
	Cmd    int
	Arg    int
}

// CancelReq is the request of MethodCancel. A Call that already finished, or was never
// made, is ignored. A cancelled call that had not consumed anything fails with EINTR,
// one that had still returns its result.
type CancelReq struct {
	Call uint64
}

// Resp is the response of every method without its own response type.
type Resp struct {
	Status
}

// Event bits of SelectReq and SelectEvent.
const (
	EventRead   uint8 = 1 << 0
	EventWrite  uint8 = 1 << 1
	EventExcept uint8 = 1 << 2
)

// SelectReq is the request of MethodSelectRequest and MethodSelectClear.
type SelectReq struct {
	Handle int
	Events uint8
	// Tag is returned in the SelectEvent so a client can tell select() calls apart.
	Tag uint64
}

// SelectEvent is pushed when a registered event happens. A registration is single shot.
type SelectEvent struct {
	Handle int
	Events uint8
	Tag    uint64
}
