// Package status serves device state and metrics over HTTP.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/internal/device"
	"github.com/fxnlabs/computedevice/internal/metrics"
)

// DeviceSource reports the state of the open devices.
type DeviceSource interface {
	DriverName() string
	Info() ([]device.Info, error)
}

// DevicesResponse is the payload of GET /devices.
type DevicesResponse struct {
	Driver  string        `json:"driver"`
	Devices []device.Info `json:"devices"`
	Error   string        `json:"error,omitempty"`
}

// ErrorResponse is returned with every non 2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

var routes = map[string]string{
	"/healthz": "/healthz",
	"/metrics": "/metrics",
	"/devices": "/devices",
}

type Server struct {
	log    *zap.Logger
	source DeviceSource
	echo   *echo.Echo
	http   *http.Server
}

func NewServer(source DeviceSource, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		log:    log.Named("status"),
		source: source,
		echo:   echo.New(),
	}
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/devices", s.handleDevices)
	s.echo.GET("/devices/:ordinal", s.handleDevice)
	return s
}

// Handler returns the HTTP handler with response metrics recorded.
func (s *Server) Handler() http.Handler {
	return metrics.Middleware(s.echo, endpointLabel)
}

func endpointLabel(r *http.Request) string {
	if label, ok := routes[r.URL.Path]; ok {
		return label
	}
	if strings.HasPrefix(r.URL.Path, "/devices/") {
		return "/devices/:ordinal"
	}
	return "other"
}

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when the port is 0.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Status server stopped", zap.Error(err))
		}
	}()
	s.log.Info("Status server listening", zap.String("address", ln.Addr().String()))
	return ln.Addr().String(), nil
}

// Shutdown stops the server started by Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) handleDevices(c *echo.Context) error {
	infos, err := s.source.Info()
	resp := DevicesResponse{Driver: s.source.DriverName(), Devices: infos}
	if err != nil {
		s.log.Warn("Device query failed", zap.Error(err))
		resp.Error = err.Error()
		if len(infos) == 0 {
			return writeJSON(c, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleDevice(c *echo.Context) error {
	ordinal, err := strconv.Atoi(c.Param("ordinal"))
	if err != nil {
		return writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "device ordinal must be a number"})
	}
	infos, err := s.source.Info()
	for _, info := range infos {
		if info.Ordinal == ordinal {
			return writeJSON(c, http.StatusOK, info)
		}
	}
	if err != nil {
		return writeJSON(c, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	return writeJSON(c, http.StatusNotFound, ErrorResponse{Error: "device " + strconv.Itoa(ordinal) + " is not open"})
}

func writeJSON(c *echo.Context, code int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(code, echo.MIMEApplicationJSON, data)
}
