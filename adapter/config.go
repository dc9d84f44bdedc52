package adapter

import (
	"strings"
	"time"

	"github.com/spf13/cast"
	"gitlab.com/tozd/go/errors"

	"github.com/franksops/filehub/connection"
	"github.com/franksops/filehub/engine"
	"github.com/franksops/filehub/naming"
	"github.com/franksops/filehub/postprocess"
	"github.com/franksops/filehub/provider"
	"github.com/franksops/filehub/validation"
)

var (
	// ErrInvalidConfig wraps every configuration problem found while parsing
	// an adapter configuration. Nothing is executed with an invalid config.
	ErrInvalidConfig = errors.New("invalid adapter configuration")

	// ErrDestinationMissing is returned by a receiver whose target directory
	// does not exist and may not be created.
	ErrDestinationMissing = errors.New("destination directory does not exist")
)

// Location says whether an adapter works on the local filesystem or on a
// remote endpoint.
type Location string

const (
	Local  Location = "local"
	Remote Location = "remote"
)

// Protocol selects the remote backend.
type Protocol string

const (
	ProtocolSFTP Protocol = "SFTP"
	ProtocolS3   Protocol = "S3"
)

// EmptyFilePolicy decides what a sender does with zero-length files.
type EmptyFilePolicy string

const (
	EmptyDoNotCreate EmptyFilePolicy = "Do Not Create Message"
	EmptyProcess     EmptyFilePolicy = "Process Empty Files"
	EmptySkip        EmptyFilePolicy = "Skip Empty Files"
)

// EmptyMessagePolicy decides what a receiver does with empty records.
type EmptyMessagePolicy string

const (
	EmptyMessageWrite EmptyMessagePolicy = "Write Empty File"
	EmptyMessageSkip  EmptyMessagePolicy = "Skip Empty Messages"
)

// WriteMode selects direct writes or temp-then-rename.
type WriteMode string

const (
	WriteDirectly WriteMode = "Directly"
	WriteTempFile WriteMode = "Create Temp File"
)

// ExistsPolicy decides what a receiver does when the target file exists.
type ExistsPolicy string

const (
	ExistsOverwrite ExistsPolicy = "Overwrite"
	ExistsSkip      ExistsPolicy = "Skip"
	ExistsFail      ExistsPolicy = "Fail"
)

// DefaultTempSuffix is the temporary file suffix when none is configured.
const DefaultTempSuffix = ".tmp"

// EndpointConfig describes where an adapter reads or writes.
type EndpointConfig struct {
	Location Location
	Protocol Protocol
	SFTP     connection.Endpoint
	Bucket   string
	Prefix   string
}

// SenderConfig is the parsed configuration of a sender adapter.
type SenderConfig struct {
	Endpoint        EndpointConfig
	SourceDirectory string
	FilePattern     string
	ExclusionMask   string

	StabilityWait        time.Duration
	EmptyFiles           EmptyFilePolicy
	ProcessReadOnlyFiles bool

	ArchiveFaultySourceFiles bool
	ArchiveErrorDirectory    string

	MaximumConcurrency int

	Rules       validation.Rules
	PostProcess postprocess.Directive
}

// ReceiverConfig is the parsed configuration of a receiver adapter.
type ReceiverConfig struct {
	Endpoint        EndpointConfig
	TargetDirectory string
	CreateDirectory bool

	FilenameMode    naming.Mode
	FilenamePattern string

	WriteMode  WriteMode
	UseTemp    bool
	TempSuffix string

	EmptyMessages      EmptyMessagePolicy
	Exists             ExistsPolicy
	MaximumConcurrency int

	Attributes     provider.Attributes
	VerifyChecksum bool
}

// TempWrites reports whether files are written under a temporary name and
// renamed into place.
func (c ReceiverConfig) TempWrites() bool {
	return c.UseTemp || c.WriteMode == WriteTempFile
}

// parser accumulates problems while reading a flat configuration map.
type parser struct {
	cfg  map[string]any
	errs []error
}

func (p *parser) fail(format string, args ...any) {
	p.errs = append(p.errs, errors.Errorf(format, args...))
}

func (p *parser) err() error {
	if len(p.errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrInvalidConfig}, p.errs...)...)
}

func (p *parser) str(key string) string {
	return strings.TrimSpace(cast.ToString(p.cfg[key]))
}

// first returns the first non-empty value among keys.
func (p *parser) first(keys ...string) string {
	for _, k := range keys {
		if v := p.str(k); v != "" {
			return v
		}
	}
	return ""
}

func (p *parser) has(key string) bool {
	v, ok := p.cfg[key]
	return ok && v != nil && cast.ToString(v) != ""
}

func (p *parser) boolean(key string, def bool) bool {
	if !p.has(key) {
		return def
	}
	b, err := cast.ToBoolE(p.cfg[key])
	if err != nil {
		p.fail("%s: %s", key, err)
		return def
	}
	return b
}

func (p *parser) integer(key string, def int64) int64 {
	if !p.has(key) {
		return def
	}
	n, err := cast.ToInt64E(p.cfg[key])
	if err != nil {
		p.fail("%s: %s", key, err)
		return def
	}
	return n
}

func (p *parser) enum(key string, def string, allowed ...string) string {
	v := p.str(key)
	if v == "" {
		return def
	}
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return a
		}
	}
	p.fail("%s: unsupported value %q (allowed: %s)", key, v, strings.Join(allowed, ", "))
	return def
}

func (p *parser) endpoint(loc Location) EndpointConfig {
	ec := EndpointConfig{Location: loc}
	if loc == Local {
		return ec
	}

	ec.Protocol = Protocol(p.enum("protocol", string(ProtocolSFTP), string(ProtocolSFTP), string(ProtocolS3)))
	if ec.Protocol == ProtocolS3 {
		ec.Bucket = p.str("bucket")
		ec.Prefix = p.str("prefix")
		if ec.Bucket == "" {
			p.fail("bucket is required for protocol S3")
		}
		return ec
	}

	ep := connection.Endpoint{
		Host:           p.str("host"),
		Port:           int(p.integer("port", connection.DefaultPort)),
		Username:       p.str("username"),
		AuthType:       connection.AuthType(p.enum("authenticationType", string(connection.AuthPassword), string(connection.AuthPassword), string(connection.AuthKey), string(connection.AuthDual))),
		Password:       cast.ToString(p.cfg["password"]),
		PasswordRef:    p.str("passwordRef"),
		KeyName:        p.first("sshKeyName", "sshKeyId"),
		KnownHostsFile: p.str("knownHostsFile"),
		Timeout:        time.Duration(p.integer("connectionTimeoutSeconds", 0)) * time.Second,
	}
	if ep.Timeout < 0 {
		p.fail("connectionTimeoutSeconds must not be negative")
	}
	if err := ep.Validate(); err != nil {
		p.errs = append(p.errs, err)
	}
	ec.SFTP = ep
	return ec
}

func parseLocation(kind string) (Location, error) {
	switch Location(strings.ToLower(strings.TrimSpace(kind))) {
	case Local:
		return Local, nil
	case Remote:
		return Remote, nil
	}
	return "", errors.Errorf("unknown adapter type %q", kind)
}

func directoryKeys(loc Location, localKey string) []string {
	if loc == Local {
		return []string{localKey}
	}
	return []string{"remoteDirectory", localKey}
}

// ParseSenderConfig parses a sender configuration. kind is "local" or
// "remote". All problems are reported together, wrapped in ErrInvalidConfig.
func ParseSenderConfig(kind string, cfg map[string]any) (SenderConfig, error) {
	p := &parser{cfg: cfg}
	var sc SenderConfig

	loc, err := parseLocation(kind)
	if err != nil {
		p.errs = append(p.errs, err)
		return sc, p.err()
	}
	sc.Endpoint = p.endpoint(loc)

	sc.SourceDirectory = p.first(directoryKeys(loc, "sourceDirectory")...)
	if sc.SourceDirectory == "" {
		p.fail("%s is required", directoryKeys(loc, "sourceDirectory")[0])
	}

	sc.FilePattern = p.str("filePattern")
	if sc.FilePattern == "" {
		sc.FilePattern = "*"
	}
	sc.ExclusionMask = p.str("exclusionMask")
	if _, err := engine.NewWalker(nil, sc.FilePattern, sc.ExclusionMask); err != nil {
		p.errs = append(p.errs, err)
	}

	wait := p.integer("msecsToWaitBeforeModificationCheck", 0)
	if wait < 0 {
		p.fail("msecsToWaitBeforeModificationCheck must not be negative")
		wait = 0
	}
	sc.StabilityWait = time.Duration(wait) * time.Millisecond

	sc.EmptyFiles = EmptyFilePolicy(p.enum("emptyFileHandling", string(EmptyDoNotCreate),
		string(EmptyDoNotCreate), string(EmptyProcess), string(EmptySkip)))
	sc.ProcessReadOnlyFiles = p.boolean("processReadOnlyFiles", false)

	sc.ArchiveFaultySourceFiles = p.boolean("archiveFaultySourceFiles", false)
	sc.ArchiveErrorDirectory = p.str("archiveErrorDirectory")
	if sc.ArchiveFaultySourceFiles && sc.ArchiveErrorDirectory == "" {
		p.fail("archiveErrorDirectory is required when archiveFaultySourceFiles is set")
	}

	sc.MaximumConcurrency = int(p.integer("maximumConcurrency", 1))
	if sc.MaximumConcurrency < 1 {
		p.fail("maximumConcurrency must be at least 1, got %d", sc.MaximumConcurrency)
		sc.MaximumConcurrency = 1
	}

	rules, err := validation.ParseRules(cfg)
	if err != nil {
		p.errs = append(p.errs, err)
	}
	sc.Rules = rules

	directive, err := postprocess.ParseDirective(cfg)
	if err != nil {
		p.errs = append(p.errs, err)
	}
	sc.PostProcess = directive

	return sc, p.err()
}

// ParseReceiverConfig parses a receiver configuration. kind is "local" or
// "remote". All problems are reported together, wrapped in ErrInvalidConfig.
func ParseReceiverConfig(kind string, cfg map[string]any) (ReceiverConfig, error) {
	p := &parser{cfg: cfg}
	var rc ReceiverConfig

	loc, err := parseLocation(kind)
	if err != nil {
		p.errs = append(p.errs, err)
		return rc, p.err()
	}
	rc.Endpoint = p.endpoint(loc)

	rc.TargetDirectory = p.first(directoryKeys(loc, "targetDirectory")...)
	if rc.TargetDirectory == "" {
		p.fail("%s is required", directoryKeys(loc, "targetDirectory")[0])
	}
	// local targets have always been created on demand
	createKey := "createRemoteDirectory"
	if loc == Local {
		createKey = "createDirectory"
	}
	rc.CreateDirectory = p.boolean(createKey, loc == Local)

	mode, err := naming.ParseMode(p.str("outputFilenameMode"))
	if err != nil {
		p.fail("outputFilenameMode: %s", err)
	}
	rc.FilenameMode = mode
	rc.FilenamePattern = cast.ToString(cfg["customFilenamePattern"])

	rc.WriteMode = WriteMode(p.enum("writeMode", string(WriteDirectly), string(WriteDirectly), string(WriteTempFile)))
	rc.UseTemp = p.boolean("useTemporaryFileName", false)
	rc.TempSuffix = p.str("temporaryFileSuffix")
	if rc.TempSuffix == "" {
		rc.TempSuffix = DefaultTempSuffix
	}
	if strings.ContainsAny(rc.TempSuffix, `/\`) {
		p.fail("temporaryFileSuffix must not contain path separators")
	}

	rc.EmptyMessages = EmptyMessagePolicy(p.enum("emptyMessageHandling", string(EmptyMessageWrite),
		string(EmptyMessageWrite), string(EmptyMessageSkip)))
	rc.Exists = ExistsPolicy(p.enum("fileExistsHandling", string(ExistsOverwrite),
		string(ExistsOverwrite), string(ExistsSkip), string(ExistsFail)))

	rc.MaximumConcurrency = int(p.integer("maximumConcurrency", 1))
	if rc.MaximumConcurrency < 1 {
		p.fail("maximumConcurrency must be at least 1, got %d", rc.MaximumConcurrency)
		rc.MaximumConcurrency = 1
	}

	if perms := p.first("remoteFilePermissions", "filePermissions"); perms != "" {
		m, err := provider.ParseMode(perms)
		if err != nil {
			p.errs = append(p.errs, err)
		} else {
			rc.Attributes.Mode = m
			rc.Attributes.HasMode = true
		}
	}
	if p.has("fileOwnerUid") || p.has("fileOwnerGid") {
		rc.Attributes.UID = int(p.integer("fileOwnerUid", -1))
		rc.Attributes.GID = int(p.integer("fileOwnerGid", -1))
		rc.Attributes.HasOwner = true
	}
	rc.VerifyChecksum = p.boolean("verifyChecksum", false)

	return rc, p.err()
}
