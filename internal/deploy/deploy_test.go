package deploy

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/mickyco94/autodeploy/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcesses simulates a single managed process and records what it was
// asked to do, along with the target content at that moment
type fakeProcesses struct {
	mu      sync.Mutex
	target  string
	running bool
	killErr error

	events        []string
	killed        []string
	contentAtKill string
	startedWith   string
}

func (f *fakeProcesses) Running(pattern string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeProcesses) Kill(pattern string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.killErr != nil {
		return 0, f.killErr
	}

	f.events = append(f.events, "kill")
	f.killed = append(f.killed, pattern)

	if f.contentAtKill == "" {
		content, _ := os.ReadFile(f.target)
		f.contentAtKill = string(content)
	}

	if !f.running {
		return 0, nil
	}
	f.running = false
	return 1, nil
}

func (f *fakeProcesses) WaitExit(ctx context.Context, pattern string, timeout time.Duration) error {
	return nil
}

func (f *fakeProcesses) Start(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, "start")
	content, _ := os.ReadFile(path)
	f.startedWith = string(content)
	f.running = true
	return nil
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Notify(message string) {
	f.messages = append(f.messages, message)
}

var testOptions = Options{
	KillGrace:       10 * time.Millisecond,
	LockTimeout:     50 * time.Millisecond,
	ReplaceAttempts: 2,
	ReplaceDelay:    10 * time.Millisecond,
}

func setup(t *testing.T, source, target string) config.Program {
	t.Helper()

	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "share"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "local"), 0755))

	program := config.Program{
		Name:    "arkviewer",
		Process: "ArkViewer.exe",
		Source:  filepath.Join(base, "share", "ArkViewer.exe"),
		Target:  filepath.Join(base, "local", "ArkViewer.exe"),
		Restart: config.RestartAlways,
	}

	require.NoError(t, os.WriteFile(program.Source, []byte(source), 0755))
	require.NoError(t, os.WriteFile(program.Target, []byte(target), 0755))

	return program
}

func read(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func TestUpdateCopiesChangedSource(t *testing.T) {
	program := setup(t, "v2", "v1")
	program.Process = ""

	logger, hook := test.NewNullLogger()
	notifier := &fakeNotifier{}

	d, err := New(program, &fakeProcesses{target: program.Target}, notifier, logger, testOptions)
	require.NoError(t, err)

	result, err := d.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Updated, result)
	assert.Equal(t, "v2", read(t, program.Target))
	assert.Equal(t, "Updated ArkViewer.exe successfully", hook.LastEntry().Message)
	assert.Equal(t, []string{"Updated ArkViewer.exe"}, notifier.messages)

	info, err := os.Stat(program.Target)
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
	}
}

func TestUpdateIdenticalIsNoop(t *testing.T) {
	program := setup(t, "same", "same")
	procs := &fakeProcesses{target: program.Target, running: true}

	d, err := New(program, procs, nil, logrus.New(), testOptions)
	require.NoError(t, err)

	result, err := d.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Unchanged, result)
	assert.Empty(t, procs.events)
	assert.True(t, procs.running)
}

func TestUpdateStopsProcessDuringCopy(t *testing.T) {
	program := setup(t, "v2", "v1")
	procs := &fakeProcesses{target: program.Target, running: true}

	d, err := New(program, procs, nil, logrus.New(), testOptions)
	require.NoError(t, err)

	result, err := d.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Updated, result)
	assert.Equal(t, []string{"kill", "start"}, procs.events)
	assert.Equal(t, "v1", procs.contentAtKill)
	assert.Equal(t, "v2", procs.startedWith)
	assert.True(t, procs.running)
}

func TestUpdateSecondCycleIsNoop(t *testing.T) {
	program := setup(t, "v2", "v1")
	procs := &fakeProcesses{target: program.Target, running: true}

	d, err := New(program, procs, nil, logrus.New(), testOptions)
	require.NoError(t, err)

	_, err = d.Update(context.Background())
	require.NoError(t, err)

	result, err := d.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Unchanged, result)
	assert.Len(t, procs.events, 2)
}

func TestUpdateRepairsTamperedTarget(t *testing.T) {
	program := setup(t, "v2", "v2")
	procs := &fakeProcesses{target: program.Target}

	d, err := New(program, procs, nil, logrus.New(), testOptions)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(program.Target, []byte("tampered"), 0755))

	result, err := d.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Updated, result)
	assert.Equal(t, "v2", read(t, program.Target))
}

func TestUpdateRecreatesRemovedTarget(t *testing.T) {
	program := setup(t, "v2", "v1")
	program.Process = ""

	d, err := New(program, &fakeProcesses{}, nil, logrus.New(), testOptions)
	require.NoError(t, err)

	require.NoError(t, os.Remove(program.Target))

	result, err := d.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Updated, result)
	assert.Equal(t, "v2", read(t, program.Target))
}

func TestUpdateReplaceRetriesThenFails(t *testing.T) {
	program := setup(t, "v2", "v1")
	procs := &fakeProcesses{target: program.Target, running: true}
	logger, hook := test.NewNullLogger()

	opts := testOptions
	opts.ReplaceAttempts = 3

	d, err := New(program, procs, nil, logger, opts)
	require.NoError(t, err)

	attempts := 0
	d.write = func(path string, src io.Reader) error {
		attempts++
		return writeAtomic(path, iotest.ErrReader(errors.New("sharing violation")))
	}

	result, err := d.Update(context.Background())

	assert.Equal(t, Failed, result)
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []string{"kill", "kill", "kill", "start"}, procs.events)
	assert.Equal(t, "v1", read(t, program.Target))
	assert.Equal(t, "v1", procs.startedWith)

	failed := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel && entry.Message == "Failed to replace target file" {
			failed = true
		}
	}
	assert.True(t, failed)

	entries, err := os.ReadDir(filepath.Dir(program.Target))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ArkViewer.exe", entries[0].Name())

	// nothing was recorded as deployed, the next cycle tries again
	d.write = writeAtomic

	result, err = d.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Updated, result)
	assert.Equal(t, "v2", read(t, program.Target))
}

func TestUpdateDoesNotStartOnUNCPath(t *testing.T) {
	program := setup(t, "v2", "v1")
	procs := &fakeProcesses{target: program.Target, running: true}
	logger, hook := test.NewNullLogger()

	d, err := New(program, procs, nil, logger, testOptions)
	require.NoError(t, err)
	d.remote = func(string) bool { return true }

	result, err := d.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Updated, result)
	assert.Equal(t, []string{"kill"}, procs.events)
	assert.Empty(t, procs.startedWith)

	warned := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "Target is on a UNC path, cannot start process" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestUpdateMissingSource(t *testing.T) {
	program := setup(t, "v2", "v1")
	procs := &fakeProcesses{target: program.Target, running: true}
	logger, hook := test.NewNullLogger()

	d, err := New(program, procs, nil, logger, testOptions)
	require.NoError(t, err)

	require.NoError(t, os.Remove(program.Source))

	result, err := d.Update(context.Background())

	assert.Equal(t, Failed, result)
	assert.ErrorIs(t, err, ErrSourceMissing)
	assert.Equal(t, "v1", read(t, program.Target))
	assert.Empty(t, procs.events)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestUpdateKillFailureSkipsCopy(t *testing.T) {
	program := setup(t, "v2", "v1")
	procs := &fakeProcesses{
		target:  program.Target,
		running: true,
		killErr: errors.New("access denied"),
	}
	logger, hook := test.NewNullLogger()

	d, err := New(program, procs, nil, logger, testOptions)
	require.NoError(t, err)

	result, err := d.Update(context.Background())

	assert.Equal(t, Failed, result)
	assert.Error(t, err)
	assert.Equal(t, "v1", read(t, program.Target))
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestUpdateKillsCompanions(t *testing.T) {
	program := setup(t, "v2", "v1")
	program.Companions = []string{"ASVExport.exe"}
	procs := &fakeProcesses{target: program.Target, running: true}

	d, err := New(program, procs, nil, logrus.New(), testOptions)
	require.NoError(t, err)

	_, err = d.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"ArkViewer.exe", "ASVExport.exe"}, procs.killed)
}

func TestRestartPolicy(t *testing.T) {
	cases := []struct {
		policy  config.RestartPolicy
		running bool
		started bool
	}{
		{config.RestartAlways, false, true},
		{config.RestartAlways, true, true},
		{config.RestartIfRunning, false, false},
		{config.RestartIfRunning, true, true},
		{config.RestartNever, true, false},
	}

	for _, c := range cases {
		t.Run(string(c.policy), func(t *testing.T) {
			program := setup(t, "v2", "v1")
			program.Restart = c.policy
			procs := &fakeProcesses{target: program.Target, running: c.running}

			d, err := New(program, procs, nil, logrus.New(), testOptions)
			require.NoError(t, err)

			_, err = d.Update(context.Background())
			require.NoError(t, err)

			assert.Equal(t, c.started, procs.startedWith != "")
		})
	}
}

func TestUpdateRunsStartCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}

	program := setup(t, "v2", "v1")
	program.Start = "sleep 1; touch started"
	procs := &fakeProcesses{target: program.Target}
	logger, hook := test.NewNullLogger()

	d, err := New(program, procs, nil, logger, testOptions)
	require.NoError(t, err)

	begin := time.Now()
	_, err = d.Update(context.Background())
	require.NoError(t, err)

	// the command outlives the cycle instead of being waited on
	assert.Less(t, time.Since(begin), 500*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(filepath.Dir(program.Target), "started"))
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	assert.Empty(t, procs.startedWith)
	for _, entry := range hook.AllEntries() {
		assert.NotEqual(t, logrus.ErrorLevel, entry.Level, entry.Message)
	}
}

func TestNewRejectsInvalidFiles(t *testing.T) {
	program := setup(t, "v2", "v1")

	missing := program
	missing.Target = filepath.Join(t.TempDir(), "missing.exe")
	_, err := New(missing, &fakeProcesses{}, nil, logrus.New(), testOptions)
	assert.ErrorIs(t, err, ErrTargetMissing)

	missing = program
	missing.Source = filepath.Join(t.TempDir(), "missing.exe")
	_, err = New(missing, &fakeProcesses{}, nil, logrus.New(), testOptions)
	assert.ErrorIs(t, err, ErrSourceMissing)

	dir := program
	dir.Source = t.TempDir()
	_, err = New(dir, &fakeProcesses{}, nil, logrus.New(), testOptions)
	assert.ErrorIs(t, err, ErrNotRegularFile)
}

func TestWaitUnlockedMissingFile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := waitUnlocked(ctx, filepath.Join(t.TempDir(), "missing"), time.Second)
	assert.ErrorIs(t, err, ErrSourceMissing)
}

func TestIsUNC(t *testing.T) {
	assert.True(t, isUNC(`\\server\share\ArkViewer.exe`))
	assert.False(t, isUNC(`C:\ArkViewer\ArkViewer.exe`))
	assert.False(t, isUNC("/opt/arkviewer/ArkViewer"))
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "updated", Updated.String())
	assert.Equal(t, "unchanged", Unchanged.String())
	assert.Equal(t, "failed", Failed.String())
}
