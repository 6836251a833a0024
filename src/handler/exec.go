package handler

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/gin-gonic/gin"

	"sctl/src/apierr"
	"sctl/src/config"
	"sctl/src/lib"
)

const maxCapturedOutput = 1 << 20 // 1 MiB

// ExecHandler serves the one-shot /api/exec and /api/exec/batch
// endpoints: run a command to completion and return its captured
// output, as distinct from the persistent PTY sessions served by the
// WS API.
type ExecHandler struct {
	*BaseHandler
	cfg config.Config
}

func NewExecHandler(cfg config.Config) *ExecHandler {
	return &ExecHandler{BaseHandler: NewBaseHandler(), cfg: cfg}
}

// ExecRequest is the body of POST /api/exec.
type ExecRequest struct {
	Command    string            `json:"command" binding:"required"`
	TimeoutMs  int               `json:"timeout_ms,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Shell      string            `json:"shell,omitempty"`
}

// ExecResponse is the body of a successful /api/exec response.
type ExecResponse struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
	RequestID  string `json:"request_id,omitempty"`
}

// HandleExec handles POST /api/exec.
func (h *ExecHandler) HandleExec(c *gin.Context) {
	var req ExecRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendProblem(c, apierr.New(apierr.InvalidRequest, err.Error()))
		return
	}

	resp, err := h.run(req)
	if err != nil {
		h.SendProblem(c, err)
		return
	}
	h.SendJSON(c, http.StatusOK, resp)
}

// ExecBatchRequest is the body of POST /api/exec/batch.
type ExecBatchRequest struct {
	Commands   []string          `json:"commands" binding:"required"`
	Shell      string            `json:"shell,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
}

// HandleExecBatch handles POST /api/exec/batch. A failing command
// does not abort the remaining ones.
func (h *ExecHandler) HandleExecBatch(c *gin.Context) {
	var req ExecBatchRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendProblem(c, apierr.New(apierr.InvalidRequest, err.Error()))
		return
	}
	if len(req.Commands) == 0 {
		h.SendProblem(c, apierr.New(apierr.InvalidRequest, "commands must be non-empty"))
		return
	}
	if len(req.Commands) > h.cfg.MaxBatchSize {
		req.Commands = req.Commands[:h.cfg.MaxBatchSize]
	}

	results := make([]ExecResponse, 0, len(req.Commands))
	for _, cmd := range req.Commands {
		resp, err := h.run(ExecRequest{
			Command:    cmd,
			WorkingDir: req.WorkingDir,
			Env:        req.Env,
			Shell:      req.Shell,
		})
		if err != nil {
			resp = ExecResponse{ExitCode: -1, Stderr: err.Error()}
		}
		results = append(results, resp)
	}
	h.SendJSON(c, http.StatusOK, gin.H{"results": results, "request_id": req.RequestID})
}

func (h *ExecHandler) run(req ExecRequest) (ExecResponse, error) {
	shell := req.Shell
	if shell == "" {
		shell = h.cfg.DefaultShell
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = h.cfg.DefaultWorkingDir
	}
	if workingDir != "" {
		formatted, err := lib.FormatPath(workingDir)
		if err != nil {
			return ExecResponse{}, apierr.New(apierr.InvalidArguments, err.Error())
		}
		workingDir = formatted
	}

	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = h.cfg.ExecTimeoutMs
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	cmd := exec.CommandContext(ctx, shell, "-c", req.Command)
	if workingDir != "" {
		cmd.Dir = workingDir
	}
	cmd.Env = buildExecEnv(req.Env)

	var stdout, stderr truncatingBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return ExecResponse{}, apierr.New(apierr.Timeout, "command exceeded timeout_ms")
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return ExecResponse{}, apierr.New(apierr.ExecFailed, runErr.Error())
		}
	}

	return ExecResponse{
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: duration.Milliseconds(),
		RequestID:  req.RequestID,
	}, nil
}

func buildExecEnv(overlay map[string]string) []string {
	env := append([]string(nil), os.Environ()...)
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}

// truncatingBuffer caps captured output at maxCapturedOutput bytes;
// once full, further writes are drained (not pipe-closed) and the
// final string carries a truncation suffix.
type truncatingBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (t *truncatingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if t.buf.Len() >= maxCapturedOutput {
		t.truncated = true
		return n, nil
	}
	remaining := maxCapturedOutput - t.buf.Len()
	if len(p) > remaining {
		t.buf.Write(p[:remaining])
		t.truncated = true
		return n, nil
	}
	t.buf.Write(p)
	return n, nil
}

func (t *truncatingBuffer) String() string {
	if t.truncated {
		return t.buf.String() + "[truncated at 1048576 bytes]"
	}
	return t.buf.String()
}
