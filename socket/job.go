package socket

import (
	"context"
	"fmt"

	log "github.com/golang/glog"

	"github.com/johnsiilver/localsocks/errno"
)

// Op is an operation that can block and so is run as a Job.
type Op uint8

const (
	OpUnknown Op = iota
	OpConnect
	OpAccept
	OpSend
	OpRecv
	OpRead
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpConnect:
		return "connect"
	case OpAccept:
		return "accept"
	case OpSend:
		return "send"
	case OpRecv:
		return "recv"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// Job describes one blocking operation and how to answer the client that asked
// for it. The dispatcher fills in the inputs, Table.Run() fills in the outputs
// and whoever finishes the job calls Reply.
type Job struct {
	// ID is used in logs only.
	ID string
	Op Op

	// Inputs.
	Handle Handle
	// Data is the payload of OpSend and OpWrite.
	Data []byte
	// Len is the number of bytes OpRecv and OpRead ask for.
	Len int
	// Path is the address OpConnect connects to.
	Path  string
	Flags int

	// Routing.
	Caller Owner
	// Ctx ends when the caller stops waiting. A job whose Ctx is done gives up
	// with EINTR before it consumes data or a connection. nil never ends.
	Ctx context.Context
	// Worker is the id of the worker that ran the job.
	Worker uint64
	// Reply sends the outputs to the caller.
	Reply func(j *Job)

	// Outputs.
	// Ret is the number of bytes sent, or the new handle for OpAccept.
	Ret int
	// Out is the data read by OpRecv and OpRead.
	Out []byte
	// OutPath is the address of the connecting socket for OpAccept.
	OutPath string
	Err     error
}

// Run executes j against the Table as j.Caller and stores the outputs in j.
func (t *Table) Run(j *Job) {
	c := t.As(j.Caller).WithContext(j.Ctx)
	switch j.Op {
	case OpConnect:
		j.Err = c.Connect(j.Handle, j.Path)
	case OpAccept:
		var h Handle
		h, j.OutPath, j.Err = c.Accept(j.Handle)
		j.Ret = int(h)
	case OpSend:
		j.Ret, j.Err = c.Send(j.Handle, j.Data, j.Flags)
	case OpWrite:
		j.Ret, j.Err = c.Send(j.Handle, j.Data, 0)
	case OpRecv:
		j.Out, j.Err = c.Recv(j.Handle, j.Len, j.Flags)
		j.Ret = len(j.Out)
	case OpRead:
		j.Out, j.Err = c.Recv(j.Handle, j.Len, 0)
		j.Ret = len(j.Out)
	default:
		log.Errorf("bug: job %s has unknown op %v", j.ID, j.Op)
		j.Err = errno.EOPNOTSUPP
	}
	log.V(2).Infof("job %s: %s(%d) by %s returned %d, err %v", j.ID, j.Op, j.Handle, j.Caller, j.Ret, j.Err)
}
