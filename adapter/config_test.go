package adapter

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/filehub/connection"
	"github.com/franksops/filehub/naming"
	"github.com/franksops/filehub/postprocess"
)

func TestParseSenderConfig_Defaults(t *testing.T) {
	cfg, err := ParseSenderConfig("local", map[string]any{
		"sourceDirectory": "/data/in",
		"someUnknownKey":  "ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, Local, cfg.Endpoint.Location)
	assert.Equal(t, "/data/in", cfg.SourceDirectory)
	assert.Equal(t, "*", cfg.FilePattern)
	assert.Empty(t, cfg.ExclusionMask)
	assert.Zero(t, cfg.StabilityWait)
	assert.Equal(t, EmptyDoNotCreate, cfg.EmptyFiles)
	assert.False(t, cfg.ProcessReadOnlyFiles)
	assert.Equal(t, 1, cfg.MaximumConcurrency)
	assert.Equal(t, postprocess.Archive, cfg.PostProcess.Action)
	assert.Equal(t, postprocess.CompressNone, cfg.PostProcess.Compression)
}

func TestParseSenderConfig_Remote(t *testing.T) {
	cfg, err := ParseSenderConfig("remote", map[string]any{
		"remoteDirectory":                    "/outbound",
		"host":                               "sftp.bank.example",
		"port":                               "2222",
		"username":                           "payments",
		"authenticationType":                 "ssh_key",
		"sshKeyId":                           "payments-key",
		"filePattern":                        "Payment_*",
		"exclusionMask":                      "*.tmp",
		"msecsToWaitBeforeModificationCheck": 1500,
		"emptyFileHandling":                  "skip empty files",
		"maximumConcurrency":                 "4",
		"maximumFileSize":                    1024,
		"postProcessAction":                  "keep_and_mark",
	})
	require.NoError(t, err)

	assert.Equal(t, Remote, cfg.Endpoint.Location)
	assert.Equal(t, ProtocolSFTP, cfg.Endpoint.Protocol)
	assert.Equal(t, 2222, cfg.Endpoint.SFTP.Port)
	assert.Equal(t, connection.AuthKey, cfg.Endpoint.SFTP.AuthType)
	assert.Equal(t, "payments-key", cfg.Endpoint.SFTP.KeyName)
	assert.Equal(t, "/outbound", cfg.SourceDirectory)
	assert.Equal(t, 1500*time.Millisecond, cfg.StabilityWait)
	assert.Equal(t, EmptySkip, cfg.EmptyFiles)
	assert.Equal(t, 4, cfg.MaximumConcurrency)
	assert.EqualValues(t, 1024, cfg.Rules.MaxSize)
	assert.Equal(t, postprocess.KeepAndMark, cfg.PostProcess.Action)
}

func TestParseSenderConfig_CollectsAllProblems(t *testing.T) {
	_, err := ParseSenderConfig("remote", map[string]any{
		"host":                     "sftp.bank.example",
		"port":                     70000,
		"password":                 "secret",
		"maximumConcurrency":       0,
		"maximumFileSize":          -1,
		"archiveFaultySourceFiles": true,
		"postProcessAction":        "SHRED",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	msg := err.Error()
	for _, want := range []string{
		"remoteDirectory is required",
		"port 70000 out of range",
		"username is required",
		"maximumConcurrency must be at least 1",
		"maximumFileSize",
		"archiveErrorDirectory is required",
		"SHRED",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestParseSenderConfig_InvalidMask(t *testing.T) {
	_, err := ParseSenderConfig("local", map[string]any{
		"sourceDirectory": "/in",
		"filePattern":     "[",
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseSenderConfig_UnknownKind(t *testing.T) {
	_, err := ParseSenderConfig("ftp", map[string]any{"sourceDirectory": "/in"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseSenderConfig_S3(t *testing.T) {
	cfg, err := ParseSenderConfig("remote", map[string]any{
		"protocol":        "s3",
		"bucket":          "exchange",
		"prefix":          "bank",
		"remoteDirectory": "inbound",
	})
	require.NoError(t, err)
	assert.Equal(t, ProtocolS3, cfg.Endpoint.Protocol)
	assert.Equal(t, "exchange", cfg.Endpoint.Bucket)

	_, err = ParseSenderConfig("remote", map[string]any{"protocol": "S3", "remoteDirectory": "x"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseReceiverConfig_Defaults(t *testing.T) {
	local, err := ParseReceiverConfig("local", map[string]any{"targetDirectory": "/data/out"})
	require.NoError(t, err)
	assert.True(t, local.CreateDirectory, "local targets are created by default")
	assert.Equal(t, naming.UseOriginal, local.FilenameMode)
	assert.Equal(t, WriteDirectly, local.WriteMode)
	assert.False(t, local.TempWrites())
	assert.Equal(t, DefaultTempSuffix, local.TempSuffix)
	assert.Equal(t, EmptyMessageWrite, local.EmptyMessages)
	assert.Equal(t, ExistsOverwrite, local.Exists)
	assert.False(t, local.Attributes.HasMode)
	assert.False(t, local.Attributes.HasOwner)

	remote, err := ParseReceiverConfig("remote", map[string]any{
		"remoteDirectory": "/inbound",
		"host":            "sftp.bank.example",
		"username":        "payments",
		"passwordRef":     "payments",
	})
	require.NoError(t, err)
	assert.False(t, remote.CreateDirectory, "remote directories are only created when asked")
	assert.Equal(t, connection.DefaultPort, remote.Endpoint.SFTP.Port)
}

func TestParseReceiverConfig_Options(t *testing.T) {
	cfg, err := ParseReceiverConfig("remote", map[string]any{
		"remoteDirectory":       "/inbound",
		"host":                  "sftp.bank.example",
		"username":              "payments",
		"password":              "secret",
		"createRemoteDirectory": "true",
		"outputFilenameMode":    "Custom",
		"customFilenamePattern": "{original_name}_{date}{extension}",
		"writeMode":             "Create Temp File",
		"useTemporaryFileName":  true,
		"temporaryFileSuffix":   ".part",
		"emptyMessageHandling":  "Skip Empty Messages",
		"fileExistsHandling":    "fail",
		"remoteFilePermissions": "0640",
		"fileOwnerUid":          1001,
		"verifyChecksum":        true,
	})
	require.NoError(t, err)

	assert.True(t, cfg.CreateDirectory)
	assert.Equal(t, naming.Custom, cfg.FilenameMode)
	assert.Equal(t, "{original_name}_{date}{extension}", cfg.FilenamePattern)
	assert.True(t, cfg.TempWrites())
	assert.Equal(t, ".part", cfg.TempSuffix)
	assert.Equal(t, EmptyMessageSkip, cfg.EmptyMessages)
	assert.Equal(t, ExistsFail, cfg.Exists)
	assert.True(t, cfg.Attributes.HasMode)
	assert.Equal(t, os.FileMode(0o640), cfg.Attributes.Mode)
	assert.True(t, cfg.Attributes.HasOwner)
	assert.Equal(t, 1001, cfg.Attributes.UID)
	assert.Equal(t, -1, cfg.Attributes.GID)
	assert.True(t, cfg.VerifyChecksum)
}

func TestParseReceiverConfig_Invalid(t *testing.T) {
	_, err := ParseReceiverConfig("local", map[string]any{
		"temporaryFileSuffix":   "/tmp",
		"remoteFilePermissions": "rwx",
		"outputFilenameMode":    "Random",
		"writeMode":             "Append",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	for _, want := range []string{"targetDirectory is required", "temporaryFileSuffix", "rwx", "outputFilenameMode", "writeMode"} {
		assert.Contains(t, err.Error(), want)
	}
}
