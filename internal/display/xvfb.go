package display

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// XvfbServer runs one Xvfb virtual display plus a VNC server per user. The
// viewer URL points at a noVNC gateway fronting the per-user VNC port.
type XvfbServer struct {
	viewerBaseURL string
	runDir        string
	logger        *zap.Logger

	mu       sync.Mutex
	next     int
	sessions map[string]*displaySession
}

type displaySession struct {
	display string
	vncPort int
	xvfb    *exec.Cmd
	vnc     *exec.Cmd
}

const (
	firstDisplayNum = 99
	firstVNCPort    = 5900
	spawnSettle     = 300 * time.Millisecond
)

// NewXvfbServer creates the display server. It fails fast when the Xvfb
// binary is not installed so the broker can degrade to manual portals.
func NewXvfbServer(viewerBaseURL, runDir string, logger *zap.Logger) (*XvfbServer, error) {
	if _, err := exec.LookPath("Xvfb"); err != nil {
		return nil, fmt.Errorf("Xvfb not available: %w", err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create display run dir: %w", err)
	}
	return &XvfbServer{
		viewerBaseURL: viewerBaseURL,
		runDir:        runDir,
		logger:        logger.Named("xvfb"),
		sessions:      make(map[string]*displaySession),
	}, nil
}

// EnsureDisplay starts (or reuses) the user's virtual display and returns its
// X display name, e.g. ":99".
func (x *XvfbServer) EnsureDisplay(userID string) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if s, ok := x.sessions[userID]; ok {
		return s.display, nil
	}

	num := firstDisplayNum + x.next
	port := firstVNCPort + x.next
	x.next++

	display := fmt.Sprintf(":%d", num)
	xvfb := exec.Command("Xvfb", display, "-screen", "0", "1440x900x24", "-nolisten", "tcp")
	xvfb.Dir = x.runDir
	if err := xvfb.Start(); err != nil {
		return "", fmt.Errorf("failed to start Xvfb on %s: %w", display, err)
	}
	// Give the X server a moment to create its socket before anyone attaches.
	time.Sleep(spawnSettle)

	s := &displaySession{display: display, vncPort: port, xvfb: xvfb}
	x.sessions[userID] = s
	go x.reap(userID, xvfb)

	x.logger.Info("Virtual display started.",
		zap.String("user_id", userID), zap.String("display", display))
	return display, nil
}

// ViewerURL attaches a VNC server to the user's display and returns the
// remote-view URL for it.
func (x *XvfbServer) ViewerURL(userID string) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	s, ok := x.sessions[userID]
	if !ok {
		return "", fmt.Errorf("no display provisioned for user %s", userID)
	}

	if s.vnc == nil {
		vncBin, err := exec.LookPath("x11vnc")
		if err != nil {
			return "", fmt.Errorf("x11vnc not available: %w", err)
		}
		// Bound to loopback; only the noVNC gateway in front of it connects.
		vnc := exec.Command(vncBin,
			"-display", s.display,
			"-rfbport", fmt.Sprintf("%d", s.vncPort),
			"-forever", "-shared", "-quiet",
			"-localhost", "-nopw",
		)
		vnc.Dir = x.runDir
		if err := vnc.Start(); err != nil {
			return "", fmt.Errorf("failed to start x11vnc for %s: %w", s.display, err)
		}
		s.vnc = vnc
		go x.reap(userID, vnc)
	}

	return fmt.Sprintf("%s/vnc.html?port=%d", x.viewerBaseURL, s.vncPort), nil
}

// Release tears down the user's VNC server and display. Safe for unknown
// users.
func (x *XvfbServer) Release(userID string) {
	x.mu.Lock()
	s, ok := x.sessions[userID]
	delete(x.sessions, userID)
	x.mu.Unlock()
	if !ok {
		return
	}

	if s.vnc != nil && s.vnc.Process != nil {
		_ = s.vnc.Process.Signal(syscall.SIGTERM)
	}
	if s.xvfb != nil && s.xvfb.Process != nil {
		_ = s.xvfb.Process.Signal(syscall.SIGTERM)
	}
	x.logger.Info("Virtual display released.",
		zap.String("user_id", userID), zap.String("display", s.display))
}

// reap collects the Xvfb process when it exits so it never zombies.
func (x *XvfbServer) reap(userID string, cmd *exec.Cmd) {
	if err := cmd.Wait(); err != nil {
		x.logger.Debug("Xvfb exited.", zap.String("user_id", userID), zap.Error(err))
	}
}
