package interfaces

import (
	"context"

	"github.com/am6737/packetguard/api"
)

type Runnable interface {
	// Start starts running the component.  The component will stop running
	// when the context is closed. Start blocks until the context is closed or
	// an error occurs.
	Start(context.Context) error
}

// InterceptionController 拦截控制器接口, 宿主在每个数据包事件上调用
type InterceptionController interface {
	// Handle evaluates one packet event. Safe for concurrent use.
	Handle(ctx context.Context, dir api.Direction, t api.TypeID, raw []byte, connID api.ConnectionID) api.Result
	// Forget releases per-connection state after a disconnect.
	Forget(connID api.ConnectionID)
}

// AuditSink receives filter decision events.
type AuditSink interface {
	Write(ctx context.Context, event *api.AuditEvent) error
	Close() error
}

// Auditor accepts decision events without blocking.
type Auditor interface {
	Emit(event *api.AuditEvent)
}
