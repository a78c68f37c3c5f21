// Command zorro-echo is a minimal getting-started program: it spins up a
// Hub, a non-blocking echo listener service task, and (in client mode) a
// user task that connects, sends one line, and prints the reply.
//
// Run a server in one terminal and a client in another:
//
//	zorro-echo -mode server
//	zorro-echo -mode client -message "hi there"
package main

import (
	"flag"
	"fmt"
	"log"

	"golang.org/x/sys/unix"

	"github.com/tailhook/zorro/pkg/config"
	"github.com/tailhook/zorro/pkg/hub"
	"github.com/tailhook/zorro/pkg/zlog"
)

func main() {
	addr := flag.String("addr", "127.0.0.1", "listen/dial address")
	port := flag.Int("port", 17001, "listen/dial port")
	mode := flag.String("mode", "server", "server or client")
	message := flag.String("message", "hello from zorro-echo", "message the client sends")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	controlPort := flag.Int("control-port", 0, "server mode only: HTTP port for /healthz and /stop (0 disables it)")
	flag.Parse()

	level, err := zlog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("zorro-echo: %v", err)
	}
	cfg := zlog.DefaultConfig()
	cfg.Level = level
	logger := zlog.New(cfg).WithComponent("zorro-echo")

	h, err := hub.New(config.DefaultHubConfig(), logger)
	if err != nil {
		log.Fatalf("zorro-echo: %v", err)
	}

	switch *mode {
	case "server":
		if *controlPort != 0 {
			startControlSurface(h, logger, *addr, *controlPort)
		}
		runServer(h, logger, *addr, *port)
	case "client":
		runClient(h, logger, *addr, *port, *message)
	default:
		log.Fatalf("zorro-echo: unknown -mode %q, want server or client", *mode)
	}

	if err := h.Run(); err != nil {
		log.Fatalf("zorro-echo: hub crashed: %v", err)
	}
}

func runServer(h *hub.Hub, logger *zlog.Logger, addr string, port int) {
	if _, err := h.SpawnService("echo-listener", func(t *hub.Task) {
		lfd, err := listenTCP(addr, port)
		if err != nil {
			logger.Errorf("listen on %s:%d: %v", addr, port, err)
			h.Stop()
			return
		}
		defer unix.Close(lfd)
		logger.Infof("listening on %s:%d", addr, port)
		for {
			if err := t.WaitRead(lfd); err != nil {
				return
			}
			cfd, _, err := unix.Accept(lfd)
			if err != nil {
				if err == unix.EAGAIN || err == unix.EINTR {
					continue
				}
				logger.Errorf("accept: %v", err)
				continue
			}
			if err := unix.SetNonblock(cfd, true); err != nil {
				unix.Close(cfd)
				continue
			}
			logger.Debugf("accepted connection fd=%d", cfd)
			h.SpawnHelper("echo-conn", func(t *hub.Task) { serveConn(t, logger, cfd) })
		}
	}); err != nil {
		logger.Errorf("spawn echo-listener: %v", err)
		h.Stop()
	}
}

func serveConn(t *hub.Task, logger *zlog.Logger, fd int) {
	defer unix.Close(fd)
	buf := make([]byte, 4096)
	for {
		if err := t.WaitRead(fd); err != nil {
			return
		}
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			return
		}
		if err := writeAll(t, fd, buf[:n]); err != nil {
			logger.Debugf("echo-conn write: %v", err)
			return
		}
	}
}

func writeAll(t *hub.Task, fd int, data []byte) error {
	for len(data) > 0 {
		if err := t.WaitWrite(fd); err != nil {
			return err
		}
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return err
		}
		data = data[n:]
	}
	return nil
}

func runClient(h *hub.Hub, logger *zlog.Logger, addr string, port int, message string) {
	h.Spawn("echo-client", func(t *hub.Task) {
		defer h.Stop()

		fd, err := dialTCP(addr, port)
		if err != nil {
			logger.Errorf("dial %s:%d: %v", addr, port, err)
			return
		}
		defer unix.Close(fd)

		if err := writeAll(t, fd, []byte(message)); err != nil {
			logger.Errorf("write: %v", err)
			return
		}

		buf := make([]byte, 4096)
		if err := t.WaitRead(fd); err != nil {
			logger.Errorf("wait read: %v", err)
			return
		}
		n, err := unix.Read(fd, buf)
		if err != nil {
			logger.Errorf("read: %v", err)
			return
		}
		fmt.Printf("echo: %s\n", buf[:n])
	})
}
