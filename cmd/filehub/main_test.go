package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/franksops/filehub/store"
)

type fixture struct {
	src, dst, flows string
}

func newFixture(t *testing.T, receiver string) fixture {
	t.Helper()
	dir := t.TempDir()
	fx := fixture{
		src:   filepath.Join(dir, "out"),
		dst:   filepath.Join(dir, "in"),
		flows: filepath.Join(dir, "flows.yaml"),
	}
	require.NoError(t, os.MkdirAll(fx.src, 0o755))
	require.NoError(t, os.MkdirAll(fx.dst, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fx.src, "Payment_001.xml"), []byte("<payment/>"), 0o644))

	doc := fmt.Sprintf(`flows:
  - name: payments
    sender:
      type: local
      config:
        sourceDirectory: %s
        filePattern: Payment_*
        postProcessAction: KEEP_AND_MARK
    receiver:
      type: local
      config:
%s
`, fx.src, receiver)
	require.NoError(t, os.WriteFile(fx.flows, []byte(doc), 0o644))
	return fx
}

func TestRunFlows_Once(t *testing.T) {
	fx := newFixture(t, "        targetDirectory: "+filepath.Join(t.TempDir(), "in")+"\n        useTemporaryFileName: true")
	state := t.TempDir()

	var out bytes.Buffer
	err := runFlows(context.Background(), settings{
		FlowsFile: fx.flows,
		StateDir:  state,
		Output:    "text",
	}, &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "OK")
	assert.Contains(t, out.String(), "payments")
	assert.Contains(t, out.String(), "delivered: 1 ok")
	assert.FileExists(t, filepath.Join(fx.src, "Payment_001.xml.processed"))

	st, err := store.NewBoltStore(filepath.Join(state, "journal.db"))
	require.NoError(t, err)
	defer st.Close()
	recs, err := st.ListRecords("payments")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, store.StateCompleted, recs[0].State)
}

func TestRunFlows_FailedRun(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	fx := newFixture(t, "        targetDirectory: "+missing+"\n        createDirectory: false")

	var out bytes.Buffer
	err := runFlows(context.Background(), settings{FlowsFile: fx.flows, Output: "yaml"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 flow runs failed")
	assert.FileExists(t, filepath.Join(fx.src, "Payment_001.xml"), "sources are kept when delivery fails")

	var doc struct {
		Runs []runSummary `yaml:"runs"`
	}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &doc))
	require.Len(t, doc.Runs, 1)
	assert.Equal(t, "payments", doc.Runs[0].Flow)
	assert.False(t, doc.Runs[0].OK)
	assert.Contains(t, doc.Runs[0].Error, "destination directory does not exist")
	assert.Nil(t, doc.Runs[0].Receiver)
}

func TestRunFlows_UnknownFlow(t *testing.T) {
	fx := newFixture(t, "        targetDirectory: /tmp")
	err := runFlows(context.Background(), settings{FlowsFile: fx.flows, Flows: []string{"nope"}, Output: "text"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, `no flow named "nope"`)
}

func TestRunFlows_BadOutput(t *testing.T) {
	err := runFlows(context.Background(), settings{Output: "xml"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "unknown output format")
}

func TestValidateFlows(t *testing.T) {
	fx := newFixture(t, "        targetDirectory: /inbound\n        outputFilenameMode: AddTimestamp")

	var out bytes.Buffer
	require.NoError(t, validateFlows(fx.flows, true, &out))
	assert.Contains(t, out.String(), "ok payments")
	assert.Contains(t, out.String(), "pattern: Payment_*")
	assert.Contains(t, out.String(), "postProcess: KEEP_AND_MARK")
	assert.Contains(t, out.String(), "filename: AddTimestamp")
}

func TestValidateFlows_Invalid(t *testing.T) {
	fx := newFixture(t, "        targetDirectory: /inbound\n        fileExistsHandling: Sometimes")

	var out bytes.Buffer
	err := validateFlows(fx.flows, true, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "invalid payments")
	assert.NotContains(t, out.String(), "flows:", "nothing valid to print")
}

func TestSettings_FromEnvironment(t *testing.T) {
	v := newViper()
	cmd := newRunCmd(v)
	require.NoError(t, v.BindPFlags(cmd.Flags()))

	t.Setenv("FILEHUB_INTERVAL", "5m")
	t.Setenv("FILEHUB_STATE_DIR", "/var/lib/filehub")
	require.NoError(t, cmd.Flags().Set("flow-workers", "4"))

	s := loadSettings(v)
	assert.Equal(t, 5*time.Minute, s.Interval)
	assert.Equal(t, "/var/lib/filehub", s.StateDir)
	assert.Equal(t, 4, s.FlowWorkers)
	assert.Equal(t, "text", s.Output)
	assert.Equal(t, "secrets", s.SecretsDir)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(false, "json", &buf)
	require.NoError(t, err)
	logger.Debug().Msg("hidden")
	logger.Info().Str("flow", "payments").Msg("visible")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"flow":"payments"`)

	_, err = newLogger(true, "xml", &buf)
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "filehub dev\n", out.String())
}
