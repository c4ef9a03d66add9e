package device

import "fmt"

// kindHandler implements the memory operations whose behaviour depends on
// the memory kind. Entry points resolve the handler once and delegate.
type kindHandler interface {
	alloc(d *Device, mem *Memory) error
	copyTo(d *Device, mem *Memory) error
	free(d *Device, mem *Memory) error
}

func handlerFor(k Kind) kindHandler {
	switch k {
	case KindGlobal:
		return globalHandler{}
	case KindTexture:
		return textureHandler{}
	}
	return genericHandler{}
}

type genericHandler struct{}

func (genericHandler) alloc(d *Device, mem *Memory) error {
	return d.genericAlloc(mem, 0)
}

func (genericHandler) copyTo(d *Device, mem *Memory) error {
	if mem.devicePointer == 0 {
		if err := d.genericAlloc(mem, 0); err != nil {
			return err
		}
	}
	return d.genericCopyTo(mem)
}

func (genericHandler) free(d *Device, mem *Memory) error {
	return d.genericFree(mem)
}

type globalHandler struct{}

func (globalHandler) alloc(_ *Device, mem *Memory) error {
	return fmt.Errorf("allocate global %s: %w", mem.Name, ErrUnsupportedOperation)
}

func (globalHandler) copyTo(d *Device, mem *Memory) error {
	if err := d.GlobalFree(mem); err != nil {
		return err
	}
	return d.GlobalAlloc(mem)
}

func (globalHandler) free(d *Device, mem *Memory) error {
	return d.GlobalFree(mem)
}

type textureHandler struct{}

func (textureHandler) alloc(_ *Device, mem *Memory) error {
	return fmt.Errorf("allocate texture %s: %w", mem.Name, ErrUnsupportedOperation)
}

func (textureHandler) copyTo(d *Device, mem *Memory) error {
	if err := d.UnbindTexture(mem); err != nil {
		return err
	}
	return d.BindTexture(mem)
}

func (textureHandler) free(d *Device, mem *Memory) error {
	return d.UnbindTexture(mem)
}
