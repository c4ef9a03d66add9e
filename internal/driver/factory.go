package driver

import (
	"fmt"

	"go.uber.org/zap"
)

// Driver kinds accepted by New.
const (
	KindAuto = "auto"
	KindCUDA = "cuda"
	KindSim  = "sim"
)

// New creates the driver selected by kind. KindAuto tries the CUDA driver first
// and falls back to the simulated driver, configured with sims.
func New(kind string, sims []SimDevice, log *zap.Logger) (Driver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch kind {
	case KindCUDA:
		return newCUDA(log)
	case KindSim:
		log.Info("Using simulated driver", zap.Int("devices", len(sims)))
		return NewSim(log, sims...), nil
	case KindAuto, "":
		drv, err := newCUDA(log)
		if err == nil {
			log.Info("Using CUDA driver")
			return drv, nil
		}
		log.Info("Using simulated driver (no CUDA driver available)", zap.Error(err))
		return NewSim(log, sims...), nil
	}
	return nil, fmt.Errorf("unknown driver kind %q", kind)
}
