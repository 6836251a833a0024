package wsapi

import (
	"errors"

	"sctl/src/apierr"
	"sctl/src/session"
)

func (c *Connection) dispatch(in inboundFrame) {
	switch in.Type {
	case "ping":
		c.enqueue(pongFrame{Type: "pong"}, true)

	case "session.start":
		c.handleStart(in)

	case "session.exec":
		c.handleExec(in)

	case "session.stdin":
		c.handleStdin(in)

	case "session.kill":
		c.handleKill(in)

	case "session.signal":
		c.handleSignal(in)

	case "session.attach":
		c.handleAttach(in)

	case "session.list":
		c.handleList(in)

	case "session.resize":
		c.handleResize(in)

	case "session.rename":
		c.handleRename(in)

	case "session.allow_ai":
		c.handleAllowAI(in)

	case "session.ai_status":
		c.handleAIStatus(in)

	case "shell.list":
		c.handleShellList(in)

	default:
		c.sendError(string(apierr.InvalidRequest), "unknown frame type: "+in.Type, "", in.RequestID)
	}
}

func (c *Connection) fail(err error, sessionID, requestID string) {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierr.New(apierr.ExecFailed, err.Error())
	}
	c.sendError(string(apiErr.ErrCode), apiErr.Message, sessionID, requestID)
}

func (c *Connection) handleStart(in inboundFrame) {
	pty := true
	if in.PTY != nil {
		pty = *in.PTY
	}

	sess, err := c.mgr.Start(session.CreateOptions{
		Name:            in.Name,
		Shell:           in.Shell,
		Command:         in.Command,
		WorkingDir:      in.WorkingDir,
		Env:             in.Env,
		Rows:            in.Rows,
		Cols:            in.Cols,
		PTY:             pty,
		Persistent:      in.Persistent,
		IdleTimeoutSecs: in.IdleTimeoutSecs,
	})
	if err != nil {
		c.fail(err, "", in.RequestID)
		return
	}

	c.mu.Lock()
	c.created[sess.ID] = true
	c.mu.Unlock()

	c.attachTo(sess, 0)

	info := sess.Snapshot()
	c.enqueue(sessionStartedFrame{
		Type:         "session.started",
		SessionID:    info.ID,
		PID:          info.PID,
		Persistent:   info.Persistent,
		PTY:          info.PTY,
		UserAllowsAI: info.UserAllowsAI,
		Name:         info.Name,
		RequestID:    in.RequestID,
	}, true)
}

func (c *Connection) handleExec(in inboundFrame) {
	if err := c.mgr.Exec(in.SessionID, in.Command, c.isAI); err != nil {
		c.fail(err, in.SessionID, in.RequestID)
		return
	}
	c.enqueue(ackFrame{Type: "session.exec.ack", SessionID: in.SessionID, RequestID: in.RequestID}, true)
}

func (c *Connection) handleStdin(in inboundFrame) {
	if err := c.mgr.Stdin(in.SessionID, []byte(in.Data), c.isAI); err != nil {
		c.fail(err, in.SessionID, in.RequestID)
	}
}

func (c *Connection) handleKill(in inboundFrame) {
	if err := c.mgr.Kill(in.SessionID); err != nil {
		c.fail(err, in.SessionID, in.RequestID)
	}
}

func (c *Connection) handleSignal(in inboundFrame) {
	if err := c.mgr.Signal(in.SessionID, in.Signal); err != nil {
		c.fail(err, in.SessionID, in.RequestID)
		return
	}
	c.enqueue(signalAckFrame{
		Type:      "session.signal.ack",
		SessionID: in.SessionID,
		Signal:    in.Signal,
		RequestID: in.RequestID,
	}, true)
}

func (c *Connection) handleAttach(in inboundFrame) {
	sess, err := c.mgr.Get(in.SessionID)
	if err != nil {
		c.fail(err, in.SessionID, in.RequestID)
		return
	}
	since := uint64(0)
	if in.Since != nil {
		since = *in.Since
	}
	entries, dropped := c.attachTo(sess, since)

	wire := make([]entry, len(entries))
	for i, e := range entries {
		wire[i] = entry{Seq: e.Seq, Stream: e.Stream, Data: string(e.Data), TimestampMs: e.TimestampMs}
	}
	c.enqueue(attachedFrame{
		Type:      "session.attached",
		SessionID: in.SessionID,
		Entries:   wire,
		Dropped:   dropped,
		RequestID: in.RequestID,
	}, true)
}

// attachTo registers this connection on sess and starts the
// per-attachment forwarding goroutine that turns ring entries into
// outbound output frames.
func (c *Connection) attachTo(sess *session.Session, since uint64) ([]session.Entry, uint64) {
	sub, entries, dropped := sess.Attach(since)

	a := &attachment{sess: sess, sub: sub, stop: make(chan struct{})}
	c.mu.Lock()
	if c.attachments == nil {
		c.mu.Unlock()
		sess.Detach(sub)
		return entries, dropped
	}
	c.attachments[sess.ID] = a
	c.mu.Unlock()

	go c.forwardOutput(sess, a)

	go func() {
		select {
		case <-sess.Exited():
			code := sess.ExitCode()
			c.enqueue(sessionExitedFrame{Type: "session.exited", SessionID: sess.ID, ExitCode: code}, true)
		case <-a.stop:
		}
	}()

	go func() {
		select {
		case <-sess.Destroyed():
			reason := sess.DestroyReason()
			c.enqueue(sessionClosedFrame{Type: "session.closed", SessionID: sess.ID, Reason: reason}, true)
		case <-a.stop:
		}
	}()

	return entries, dropped
}

func (c *Connection) forwardOutput(sess *session.Session, a *attachment) {
	for {
		select {
		case e, ok := <-a.sub.Out:
			if !ok {
				return
			}
			var typ string
			switch e.Stream {
			case "stderr":
				typ = "session.stderr"
			case "system":
				typ = "session.system"
			default:
				typ = "session.stdout"
			}
			c.enqueue(outputFrame{
				Type:        typ,
				SessionID:   sess.ID,
				Data:        string(e.Data),
				Seq:         e.Seq,
				TimestampMs: e.TimestampMs,
			}, false)
		case <-a.stop:
			return
		}
	}
}

func (c *Connection) handleList(in inboundFrame) {
	infos := c.mgr.List()
	wire := make([]sessionInfo, len(infos))
	for i, info := range infos {
		wire[i] = sessionInfo{
			SessionID:       info.ID,
			Name:            info.Name,
			PID:             info.PID,
			PTY:             info.PTY,
			Persistent:      info.Persistent,
			WorkingDir:      info.WorkingDir,
			Shell:           info.Shell,
			Rows:            info.Rows,
			Cols:            info.Cols,
			Status:          info.Status,
			ExitCode:        info.ExitCode,
			IdleTimeoutSecs: info.IdleTimeoutSecs,
			Idle:            info.Idle,
			UserAllowsAI:    info.UserAllowsAI,
			AIIsWorking:     info.AIIsWorking,
			AIActivity:      info.AIActivity,
			AIStatusMessage: info.AIStatusMessage,
		}
	}
	c.enqueue(listedFrame{Type: "session.listed", Sessions: wire, RequestID: in.RequestID}, true)
}

func (c *Connection) handleResize(in inboundFrame) {
	if err := c.mgr.Resize(in.SessionID, in.Rows, in.Cols); err != nil {
		c.fail(err, in.SessionID, in.RequestID)
		return
	}
	c.enqueue(ackFrame{Type: "session.resize.ack", SessionID: in.SessionID, RequestID: in.RequestID}, true)
}

func (c *Connection) handleRename(in inboundFrame) {
	if err := c.mgr.Rename(in.SessionID, in.Name); err != nil {
		c.fail(err, in.SessionID, in.RequestID)
		return
	}
	c.enqueue(ackFrame{Type: "session.rename.ack", SessionID: in.SessionID, RequestID: in.RequestID}, true)
}

func (c *Connection) handleAllowAI(in inboundFrame) {
	if err := c.mgr.SetAIPermission(in.SessionID, in.Allowed); err != nil {
		c.fail(err, in.SessionID, in.RequestID)
		return
	}
	c.enqueue(ackFrame{Type: "session.allow_ai.ack", SessionID: in.SessionID, RequestID: in.RequestID}, true)
}

func (c *Connection) handleAIStatus(in inboundFrame) {
	if err := c.mgr.SetAIStatus(in.SessionID, in.Working, in.Activity, in.Message); err != nil {
		c.fail(err, in.SessionID, in.RequestID)
		return
	}
	c.enqueue(ackFrame{Type: "session.ai_status.ack", SessionID: in.SessionID, RequestID: in.RequestID}, true)
}

func (c *Connection) handleShellList(in inboundFrame) {
	shells, def := listShells()
	c.enqueue(shellListedFrame{Type: "shell.listed", Shells: shells, Default: def, RequestID: in.RequestID}, true)
}
