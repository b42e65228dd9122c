// Package fleetpb contains the Go bindings for the fleet server's FleetUplink
// gRPC interface: board registration and the bidirectional fault-event
// stream boards use to report process faults.
//
// Unlike a protoc-gen-go/protoc-gen-go-grpc output, these messages are
// plain Go structs carried over gRPC using the "json" content-subtype codec
// (registered in codec.go) rather than the protobuf wire format — see
// DESIGN.md for why. The service surface (client/server interfaces,
// ServiceDesc, constructors) otherwise follows the same shape generated code
// would produce, so callers use it exactly as they would a protoc-generated
// client.
package fleetpb

// RegisterRequest is sent once by a board when it first connects to the
// fleet server.
type RegisterRequest struct {
	BoardId  string `json:"board_id"`
	Hostname string `json:"hostname"`
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

func (r *RegisterRequest) GetBoardId() string {
	if r == nil {
		return ""
	}
	return r.BoardId
}

func (r *RegisterRequest) GetHostname() string {
	if r == nil {
		return ""
	}
	return r.Hostname
}

func (r *RegisterRequest) GetPlatform() string {
	if r == nil {
		return ""
	}
	return r.Platform
}

func (r *RegisterRequest) GetVersion() string {
	if r == nil {
		return ""
	}
	return r.Version
}

// RegisterResponse carries the fleet-assigned board identity back to the
// caller.
type RegisterResponse struct {
	BoardId      string `json:"board_id"`
	ServerTimeUs int64  `json:"server_time_us"`
}

func (r *RegisterResponse) GetBoardId() string {
	if r == nil {
		return ""
	}
	return r.BoardId
}

func (r *RegisterResponse) GetServerTimeUs() int64 {
	if r == nil {
		return 0
	}
	return r.ServerTimeUs
}

// FaultReport is one fault event streamed from a board to the fleet server.
type FaultReport struct {
	FaultId     string `json:"fault_id"`
	BoardId     string `json:"board_id"`
	TimestampUs int64  `json:"timestamp_us"`
	Pid         int32  `json:"pid"`
	Ppid        int32  `json:"ppid"`
	Signal      int32  `json:"signal"`
	FaultAddr   uint32 `json:"fault_addr"`
	SyscallId   int32  `json:"syscall_id"`
}

func (f *FaultReport) GetFaultId() string {
	if f == nil {
		return ""
	}
	return f.FaultId
}

func (f *FaultReport) GetBoardId() string {
	if f == nil {
		return ""
	}
	return f.BoardId
}

func (f *FaultReport) GetTimestampUs() int64 {
	if f == nil {
		return 0
	}
	return f.TimestampUs
}

func (f *FaultReport) GetPid() int32 {
	if f == nil {
		return 0
	}
	return f.Pid
}

func (f *FaultReport) GetPpid() int32 {
	if f == nil {
		return 0
	}
	return f.Ppid
}

func (f *FaultReport) GetSignal() int32 {
	if f == nil {
		return 0
	}
	return f.Signal
}

func (f *FaultReport) GetFaultAddr() uint32 {
	if f == nil {
		return 0
	}
	return f.FaultAddr
}

func (f *FaultReport) GetSyscallId() int32 {
	if f == nil {
		return 0
	}
	return f.SyscallId
}

// Ack is the fleet server's per-report acknowledgement, sent back on the
// same stream.
type Ack struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

func (a *Ack) GetType() string {
	if a == nil {
		return ""
	}
	return a.Type
}

func (a *Ack) GetPayload() []byte {
	if a == nil {
		return nil
	}
	return a.Payload
}
