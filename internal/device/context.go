package device

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// ContextScope keeps the device context current on the calling OS thread
// until Exit is called. Scopes nest.
type ContextScope struct {
	d *Device
}

// Enter pins the goroutine to its thread and pushes the device context.
//
//	scope, err := d.Enter()
//	if err != nil {
//		return err
//	}
//	defer scope.Exit()
func (d *Device) Enter() (ContextScope, error) {
	runtime.LockOSThread()
	if err := d.drv.CtxPushCurrent(d.ctx); err != nil {
		runtime.UnlockOSThread()
		return ContextScope{}, d.fail(fmt.Errorf("push context of device %d: %w", d.ordinal, err))
	}
	return ContextScope{d: d}, nil
}

// Exit pops the context pushed by Enter and restores the previous one.
func (s ContextScope) Exit() {
	if s.d == nil {
		return
	}
	if _, err := s.d.drv.CtxPopCurrent(); err != nil {
		s.d.log.Warn("Failed to pop device context", zap.Error(err))
	}
	runtime.UnlockOSThread()
}
