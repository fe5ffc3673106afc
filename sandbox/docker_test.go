package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// stdoutChunk and stderrChunk build one stdcopy frame each: an 8-byte header
// (stream byte, three zeros, big-endian length) followed by the payload.
func stdcopyFrame(stream byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func stdoutChunk(payload string) []byte { return stdcopyFrame(1, payload) }
func stderrChunk(payload string) []byte { return stdcopyFrame(2, payload) }

func muxStreams(frames ...[]byte) []byte {
	var buf bytes.Buffer
	for _, frame := range frames {
		buf.Write(frame)
	}
	return buf.Bytes()
}

// fakeConn satisfies the HijackedResponse Close path.
type fakeConn struct{}

func (fakeConn) Read([]byte) (int, error)         { return 0, io.EOF }
func (fakeConn) Write(b []byte) (int, error)      { return len(b), nil }
func (fakeConn) Close() error                     { return nil }
func (fakeConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (fakeConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (fakeConn) SetDeadline(time.Time) error      { return nil }
func (fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (fakeConn) SetWriteDeadline(time.Time) error { return nil }

// stallingReader yields its payload and then blocks until released, for
// liveness-timeout tests. A non-nil started channel is closed on first read.
type stallingReader struct {
	data    []byte
	served  bool
	release chan struct{}
	started chan struct{}
}

func (r *stallingReader) Read(p []byte) (int, error) {
	if !r.served {
		r.served = true
		if r.started != nil {
			close(r.started)
		}
		n := copy(p, r.data)
		return n, nil
	}
	<-r.release
	return 0, io.EOF
}

// fakeExecCall scripts one ContainerExecCreate/Attach/Inspect round trip.
type fakeExecCall struct {
	expectCmd string // "" = don't check
	payload   []byte // stdcopy-framed output
	exitCode  int
	stall     *stallingReader
	createErr error
	attachErr error
}

func execOK() fakeExecCall { return fakeExecCall{} }

// fakeDockerAPI is an in-memory stand-in for the Engine API client.
type fakeDockerAPI struct {
	t *testing.T

	pingErr   error
	createErr error
	startErr  error

	imageMissingUntilPull bool

	execCalls []fakeExecCall
	execIdx   int

	createdNames []string
	started      []string
	removed      []string
	pulled       []string
	execOptions  []container.ExecOptions

	copiedIn     map[string][]byte // dstPath -> raw tar bytes
	copyFromData map[string][]byte // srcPath -> raw tar bytes
	closed       bool
}

func newFakeDockerAPI(t *testing.T, execCalls ...fakeExecCall) *fakeDockerAPI {
	return &fakeDockerAPI{
		t:            t,
		execCalls:    execCalls,
		copiedIn:     make(map[string][]byte),
		copyFromData: make(map[string][]byte),
	}
}

func (f *fakeDockerAPI) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeDockerAPI) ContainerCreate(_ context.Context, _ *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	if f.imageMissingUntilPull && len(f.pulled) == 0 {
		return container.CreateResponse{}, fmt.Errorf("No such image: python:3.11-slim: %w", errdefs.ErrNotFound)
	}
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.createdNames = append(f.createdNames, containerName)
	return container.CreateResponse{ID: "ctr-" + containerName}, nil
}

func (f *fakeDockerAPI) ContainerStart(_ context.Context, containerID string, _ container.StartOptions) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, containerID)
	return nil
}

func (f *fakeDockerAPI) ContainerRemove(_ context.Context, containerID string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeDockerAPI) nextExec() (fakeExecCall, int) {
	require.Less(f.t, f.execIdx, len(f.execCalls), "unexpected extra exec call")
	call := f.execCalls[f.execIdx]
	idx := f.execIdx
	f.execIdx++
	return call, idx
}

func (f *fakeDockerAPI) ContainerExecCreate(_ context.Context, _ string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	call, idx := f.nextExec()
	f.execOptions = append(f.execOptions, options)
	if call.expectCmd != "" {
		require.Len(f.t, options.Cmd, 3)
		assert.Equal(f.t, call.expectCmd, options.Cmd[2])
	}
	if call.createErr != nil {
		return container.ExecCreateResponse{}, call.createErr
	}
	return container.ExecCreateResponse{ID: fmt.Sprintf("exec-%d", idx)}, nil
}

func (f *fakeDockerAPI) ContainerExecAttach(_ context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	var idx int
	_, err := fmt.Sscanf(execID, "exec-%d", &idx)
	require.NoError(f.t, err)
	call := f.execCalls[idx]

	if call.attachErr != nil {
		return types.HijackedResponse{}, call.attachErr
	}

	var reader io.Reader = bytes.NewReader(call.payload)
	if call.stall != nil {
		reader = call.stall
	}
	return types.HijackedResponse{Conn: fakeConn{}, Reader: bufio.NewReader(reader)}, nil
}

func (f *fakeDockerAPI) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	var idx int
	_, err := fmt.Sscanf(execID, "exec-%d", &idx)
	require.NoError(f.t, err)
	return container.ExecInspect{ExitCode: f.execCalls[idx].exitCode}, nil
}

func (f *fakeDockerAPI) CopyToContainer(_ context.Context, _ string, dstPath string, content io.Reader, _ container.CopyToContainerOptions) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.copiedIn[dstPath] = data
	return nil
}

func (f *fakeDockerAPI) CopyFromContainer(_ context.Context, _ string, srcPath string) (io.ReadCloser, container.PathStat, error) {
	data, ok := f.copyFromData[srcPath]
	if !ok {
		return nil, container.PathStat{}, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), container.PathStat{}, nil
}

func (f *fakeDockerAPI) ImagePull(_ context.Context, refStr string, _ imagetypes.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, refStr)
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeDockerAPI) Close() error {
	f.closed = true
	return nil
}

// newTestSession builds a DockerSession over api. The first queued exec call
// must cover the workdir mkdir Open performs.
func newTestSession(t *testing.T, api *fakeDockerAPI, cfg SessionConfig) *DockerSession {
	t.Helper()
	if cfg.Language == "" {
		cfg.Language = LanguagePython
	}
	session, err := NewDockerSession(cfg, zaptest.NewLogger(t), WithDockerClient(api))
	require.NoError(t, err)
	return session
}

func TestDockerSessionLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("OpenCreatesAndStartsContainer", func(t *testing.T) {
		api := newFakeDockerAPI(t, execOK())
		session := newTestSession(t, api, SessionConfig{})

		require.NoError(t, session.Open(ctx))
		assert.Len(t, api.createdNames, 1)
		assert.Len(t, api.started, 1)
		assert.Equal(t, "mkdir -p '/sandbox'", api.execOptions[0].Cmd[2])
	})

	t.Run("OpenTwiceFailsFast", func(t *testing.T) {
		api := newFakeDockerAPI(t, execOK())
		session := newTestSession(t, api, SessionConfig{})

		require.NoError(t, session.Open(ctx))
		require.ErrorIs(t, session.Open(ctx), ErrSessionAlreadyOpen)
	})

	t.Run("OpenPullsMissingImage", func(t *testing.T) {
		api := newFakeDockerAPI(t, execOK())
		api.imageMissingUntilPull = true
		session := newTestSession(t, api, SessionConfig{})

		require.NoError(t, session.Open(ctx))
		assert.Equal(t, []string{"python:3.11-slim"}, api.pulled)
		assert.Len(t, api.createdNames, 1)
	})

	t.Run("UnrelatedCreateErrorDoesNotPull", func(t *testing.T) {
		api := newFakeDockerAPI(t)
		// Message text resembles a 404 but the error is not an errdefs
		// not-found, so no pull may be attempted.
		api.createErr = errors.New("network runbox not found")
		session := newTestSession(t, api, SessionConfig{})

		err := session.Open(ctx)
		require.ErrorContains(t, err, "failed to create container")
		assert.Empty(t, api.pulled)
	})

	t.Run("StartFailureRemovesContainer", func(t *testing.T) {
		api := newFakeDockerAPI(t)
		api.startErr = errors.New("cgroup misconfigured")
		session := newTestSession(t, api, SessionConfig{})

		err := session.Open(ctx)
		require.Error(t, err)
		assert.Len(t, api.removed, 1)

		_, err = session.ExecuteCommand(ctx, "true")
		require.ErrorIs(t, err, ErrSessionNotOpen)
	})

	t.Run("CloseRemovesContainer", func(t *testing.T) {
		api := newFakeDockerAPI(t, execOK())
		session := newTestSession(t, api, SessionConfig{})

		require.NoError(t, session.Open(ctx))
		require.NoError(t, session.Close(ctx))
		assert.Len(t, api.removed, 1)

		// Close on a closed session is a no-op.
		require.NoError(t, session.Close(ctx))
		assert.Len(t, api.removed, 1)
	})

	t.Run("ExecuteBeforeOpen", func(t *testing.T) {
		api := newFakeDockerAPI(t)
		session := newTestSession(t, api, SessionConfig{})

		_, err := session.ExecuteCommand(ctx, "echo hi")
		require.ErrorIs(t, err, ErrSessionNotOpen)
	})

	t.Run("ExecuteAfterClose", func(t *testing.T) {
		api := newFakeDockerAPI(t, execOK())
		session := newTestSession(t, api, SessionConfig{})

		require.NoError(t, session.Open(ctx))
		require.NoError(t, session.Close(ctx))

		_, err := session.ExecuteCommand(ctx, "echo hi")
		require.ErrorIs(t, err, ErrSessionNotOpen)
	})

	t.Run("UnsupportedLanguage", func(t *testing.T) {
		_, err := NewDockerSession(SessionConfig{Language: "cobol"}, zaptest.NewLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported language")
	})
}

func TestDockerSessionExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("BufferedAccumulatesBothChannels", func(t *testing.T) {
		api := newFakeDockerAPI(t,
			execOK(),
			fakeExecCall{
				expectCmd: "echo hi",
				payload:   muxStreams(stdoutChunk("hello "), stderrChunk("warn "), stdoutChunk("world")),
				exitCode:  0,
			},
		)
		session := newTestSession(t, api, SessionConfig{})
		require.NoError(t, session.Open(ctx))

		out, err := session.ExecuteCommand(ctx, "echo hi")
		require.NoError(t, err)
		assert.Equal(t, 0, out.ExitCode)
		assert.Equal(t, "hello world", out.Stdout)
		assert.Equal(t, "warn ", out.Stderr)
	})

	t.Run("NonZeroExitIsNotAnError", func(t *testing.T) {
		api := newFakeDockerAPI(t,
			execOK(),
			fakeExecCall{payload: muxStreams(stderrChunk("boom")), exitCode: 3},
		)
		session := newTestSession(t, api, SessionConfig{})
		require.NoError(t, session.Open(ctx))

		out, err := session.ExecuteCommand(ctx, "false")
		require.NoError(t, err)
		assert.Equal(t, 3, out.ExitCode)
		assert.Equal(t, "boom", out.Stderr)
		assert.False(t, session.Broken())
	})

	t.Run("CallbackForcesStreamedOnBufferedDefault", func(t *testing.T) {
		api := newFakeDockerAPI(t,
			execOK(),
			fakeExecCall{
				payload: muxStreams(stdoutChunk("a"), stderrChunk("e1"), stdoutChunk("b")),
			},
		)
		session := newTestSession(t, api, SessionConfig{StreamOutput: false})
		require.NoError(t, session.Open(ctx))

		var chunks []string
		out, err := session.ExecuteCommand(ctx, "run",
			WithStdoutCallback(func(chunk string) { chunks = append(chunks, chunk) }))
		require.NoError(t, err)

		// Callbacks only fire on streamed transport; both channels still
		// accumulate fully.
		assert.Equal(t, []string{"a", "b"}, chunks)
		assert.Equal(t, "ab", out.Stdout)
		assert.Equal(t, "e1", out.Stderr)
	})

	t.Run("BufferedDefaultInvokesNothing", func(t *testing.T) {
		api := newFakeDockerAPI(t,
			execOK(),
			fakeExecCall{payload: muxStreams(stdoutChunk("quiet"))},
		)
		session := newTestSession(t, api, SessionConfig{})
		require.NoError(t, session.Open(ctx))

		out, err := session.ExecuteCommand(ctx, "run")
		require.NoError(t, err)
		assert.Equal(t, "quiet", out.Stdout)
	})

	t.Run("WorkdirAndEnvForwarded", func(t *testing.T) {
		api := newFakeDockerAPI(t,
			execOK(),
			fakeExecCall{},
		)
		session := newTestSession(t, api, SessionConfig{})
		require.NoError(t, session.Open(ctx))

		_, err := session.ExecuteCommand(ctx, "pwd",
			WithWorkdir("/sandbox/sub"),
			WithEnv(map[string]string{"DEBUG": "1"}))
		require.NoError(t, err)

		opts := api.execOptions[1]
		assert.Equal(t, "/sandbox/sub", opts.WorkingDir)
		assert.Contains(t, opts.Env, "DEBUG=1")
	})

	t.Run("ExecCreateFailureMarksBroken", func(t *testing.T) {
		api := newFakeDockerAPI(t,
			execOK(),
			fakeExecCall{createErr: errors.New("daemon unavailable")},
		)
		session := newTestSession(t, api, SessionConfig{})
		require.NoError(t, session.Open(ctx))

		_, err := session.ExecuteCommand(ctx, "run")
		require.Error(t, err)
		assert.True(t, session.Broken())
	})

	t.Run("StreamedLivenessTimeout", func(t *testing.T) {
		stall := &stallingReader{
			data:    muxStreams(stdoutChunk("partial")),
			release: make(chan struct{}),
		}
		t.Cleanup(func() { close(stall.release) })

		api := newFakeDockerAPI(t,
			execOK(),
			fakeExecCall{stall: stall},
		)
		session := newTestSession(t, api, SessionConfig{Timeout: 50 * time.Millisecond})
		require.NoError(t, session.Open(ctx))

		_, err := session.ExecuteCommand(ctx, "hang",
			WithStdoutCallback(func(string) {}))
		require.ErrorIs(t, err, ErrExecutionTimeout)
		assert.True(t, session.Broken())
	})

	t.Run("BufferedOverallTimeout", func(t *testing.T) {
		stall := &stallingReader{release: make(chan struct{})}
		t.Cleanup(func() { close(stall.release) })

		api := newFakeDockerAPI(t,
			execOK(),
			fakeExecCall{stall: stall},
		)
		session := newTestSession(t, api, SessionConfig{Timeout: 50 * time.Millisecond})
		require.NoError(t, session.Open(ctx))

		_, err := session.ExecuteCommand(ctx, "hang")
		require.ErrorIs(t, err, ErrExecutionTimeout)
		assert.True(t, session.Broken())
	})

	t.Run("SecondConcurrentCommandRejected", func(t *testing.T) {
		stall := &stallingReader{
			release: make(chan struct{}),
			started: make(chan struct{}),
		}
		api := newFakeDockerAPI(t,
			execOK(),
			fakeExecCall{stall: stall},
		)
		session := newTestSession(t, api, SessionConfig{Timeout: 5 * time.Second})
		require.NoError(t, session.Open(ctx))

		firstDone := make(chan error, 1)
		go func() {
			_, err := session.ExecuteCommand(ctx, "long running")
			firstDone <- err
		}()

		<-stall.started
		_, err := session.ExecuteCommand(ctx, "concurrent")
		require.ErrorIs(t, err, ErrExecutionInFlight)

		close(stall.release)
		require.NoError(t, <-firstDone)
		assert.False(t, session.Broken())
	})

	t.Run("SequenceStopsAtFirstFailure", func(t *testing.T) {
		api := newFakeDockerAPI(t,
			execOK(),
			fakeExecCall{expectCmd: "step1", payload: muxStreams(stdoutChunk("ok"))},
			fakeExecCall{expectCmd: "step2", payload: muxStreams(stderrChunk("bad")), exitCode: 1},
		)
		session := newTestSession(t, api, SessionConfig{})
		require.NoError(t, session.Open(ctx))

		out, err := session.ExecuteCommands(ctx, []Command{
			{Text: "step1"}, {Text: "step2"}, {Text: "step3"},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, out.ExitCode)
		assert.Equal(t, "bad", out.Stderr)
		assert.Equal(t, 3, api.execIdx, "step3 must not reach the runtime")
	})
}

func TestDockerSessionRun(t *testing.T) {
	ctx := context.Background()

	t.Run("StagesCodeAndExecutesPlan", func(t *testing.T) {
		api := newFakeDockerAPI(t,
			execOK(), // Open mkdir
			execOK(), // CopyToSandbox mkdir
			fakeExecCall{
				expectCmd: "pip install --quiet --no-cache-dir 'numpy'",
				payload:   muxStreams(stdoutChunk("installed")),
			},
			fakeExecCall{
				expectCmd: "python '/sandbox/main.py'",
				payload:   muxStreams(stdoutChunk("42\n")),
			},
		)
		session := newTestSession(t, api, SessionConfig{})
		require.NoError(t, session.Open(ctx))

		out, err := session.Run(ctx, "print(42)", WithLibraries("numpy"))
		require.NoError(t, err)
		assert.Equal(t, "42\n", out.Stdout)

		archive, ok := api.copiedIn["/sandbox"]
		require.True(t, ok, "code must be uploaded to the workdir")
		entries, err := untarFiles(bytes.NewReader(archive), 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "main.py", entries[0].Name)
		assert.Equal(t, "print(42)", string(entries[0].Data))
	})
}

func TestDockerSessionCopy(t *testing.T) {
	ctx := context.Background()

	t.Run("CopyFromSandbox", func(t *testing.T) {
		api := newFakeDockerAPI(t, execOK())
		archive, err := tarFile("plot.png", []byte("pngdata"))
		require.NoError(t, err)
		api.copyFromData["/sandbox/plot.png"] = archive.Bytes()

		session := newTestSession(t, api, SessionConfig{})
		require.NoError(t, session.Open(ctx))

		data, err := session.CopyFromSandbox(ctx, "/sandbox/plot.png")
		require.NoError(t, err)
		assert.Equal(t, "pngdata", string(data))
	})

	t.Run("CopyFromSandboxMissingFile", func(t *testing.T) {
		api := newFakeDockerAPI(t, execOK())
		session := newTestSession(t, api, SessionConfig{})
		require.NoError(t, session.Open(ctx))

		_, err := session.CopyFromSandbox(ctx, "/sandbox/nope")
		require.Error(t, err)
	})

	t.Run("CopyBeforeOpen", func(t *testing.T) {
		api := newFakeDockerAPI(t)
		session := newTestSession(t, api, SessionConfig{})

		require.ErrorIs(t, session.CopyToSandbox(ctx, []byte("x"), "/sandbox/f"), ErrSessionNotOpen)
		_, err := session.CopyFromSandbox(ctx, "/sandbox/f")
		require.ErrorIs(t, err, ErrSessionNotOpen)
	})
}

func TestMergeEnv(t *testing.T) {
	assert.Nil(t, mergeEnv(nil, nil))

	merged := mergeEnv(
		map[string]string{"A": "1", "B": "2"},
		map[string]string{"B": "override", "C": "3"},
	)
	assert.Equal(t, []string{"A=1", "B=override", "C=3"}, merged)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'/sandbox'", shellQuote("/sandbox"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
