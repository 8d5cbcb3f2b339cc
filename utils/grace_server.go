package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// Uploads of up to 100 MiB over slow links need generous timeouts.
	defaultReadTimeout  = 5 * time.Minute
	defaultWriteTimeout = defaultReadTimeout
	shutdownTimeout     = 30 * time.Second

	gracefulEnvKey     = "IS_GRACEFUL"
	gracefulEnvValue   = gracefulEnvKey + "=1"
	gracefulListenerFD = 3
)

// Server wraps http.Server with signal driven shutdown and SIGUSR2 restart.
// Shutdown hooks run after in-flight requests finished and before
// ListenAndServe returns.
type Server struct {
	*http.Server

	listener   net.Listener
	inherited  bool
	hooks      []func()
	signals    chan os.Signal
	ready      chan struct{}
	shutdownCh chan struct{}
}

// NewServer creates a Server with timeouts and handler.
func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration, onShutdown ...func()) *Server {
	return &Server{
		Server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 30 * time.Second,
			WriteTimeout:      writeTimeout,
		},
		inherited:  os.Getenv(gracefulEnvKey) != "",
		hooks:      onShutdown,
		signals:    make(chan os.Signal, 1),
		ready:      make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// Ready is closed once the server listens.
func (srv *Server) Ready() <-chan struct{} {
	return srv.ready
}

// ListenAddr is the bound address; valid after Ready.
func (srv *Server) ListenAddr() net.Addr {
	return srv.listener.Addr()
}

// Stop asks the server to shut down as if it received SIGTERM.
func (srv *Server) Stop() {
	select {
	case srv.signals <- syscall.SIGTERM:
	default:
	}
}

// ListenAndServe serves until a shutdown signal arrived and every hook ran.
func (srv *Server) ListenAndServe() error {
	addr := srv.Addr
	if addr == "" {
		addr = ":http"
	}
	ln, err := srv.listen(addr)
	if err != nil {
		return err
	}
	srv.listener = ln
	close(srv.ready)

	signal.Notify(srv.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	go srv.handleSignals()

	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-srv.shutdownCh
		return nil
	}
	signal.Stop(srv.signals)
	return err
}

func (srv *Server) listen(addr string) (net.Listener, error) {
	if srv.inherited {
		ln, err := net.FileListener(os.NewFile(gracefulListenerFD, "listener"))
		if err != nil {
			return nil, fmt.Errorf("inherit listener: %w", err)
		}
		return ln, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

func (srv *Server) handleSignals() {
	for sig := range srv.signals {
		switch sig {
		case syscall.SIGUSR2:
			pid, err := srv.forkWithListener()
			if err != nil {
				Logger.Error("graceful restart failed, still serving", zap.Error(err))
				continue
			}
			Logger.Info("graceful restart, new process started", zap.Int("pid", pid))
		default:
			Logger.Info("shutting down HTTP server", zap.String("signal", sig.String()))
		}
		srv.shutdown()
		return
	}
}

func (srv *Server) shutdown() {
	signal.Stop(srv.signals)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		Logger.Error("HTTP server shutdown incomplete", zap.Error(err))
	}
	for _, fn := range srv.hooks {
		fn()
	}
	Logger.Info("HTTP server stopped")
	close(srv.shutdownCh)
}

// forkWithListener starts a copy of the binary that inherits the listening
// socket as fd 3.
func (srv *Server) forkWithListener() (int, error) {
	tcpLn, ok := srv.listener.(*net.TCPListener)
	if !ok {
		return 0, errors.New("listener is not a TCP listener")
	}
	file, err := tcpLn.File()
	if err != nil {
		return 0, fmt.Errorf("listener file: %w", err)
	}
	defer file.Close()

	env := make([]string, 0, len(os.Environ())+1)
	for _, e := range os.Environ() {
		if e != gracefulEnvValue {
			env = append(env, e)
		}
	}
	env = append(env, gracefulEnvValue)

	pid, err := syscall.ForkExec(os.Args[0], os.Args, &syscall.ProcAttr{
		Env:   env,
		Files: []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd(), file.Fd()},
	})
	if err != nil {
		return 0, fmt.Errorf("fork: %w", err)
	}
	return pid, nil
}

// GraceServer serves handler on addr until SIGINT/SIGTERM, or hands over to
// a new process on SIGUSR2. onShutdown hooks run once requests drained.
func GraceServer(addr string, handler http.Handler, onShutdown ...func()) error {
	return NewServer(addr, handler, defaultReadTimeout, defaultWriteTimeout, onShutdown...).ListenAndServe()
}
