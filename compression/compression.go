// Package compression compresses single files with zstd before they are uploaded.
package compression

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultLevel is the zstd default level.
	DefaultLevel = 3
	// MinLevel ...
	MinLevel = 1
	// MaxLevel is the highest level the zstd binary accepts without --ultra.
	MaxLevel = 19

	// Extension is appended to the name of compressed uploads.
	Extension = ".zst"
)

// ErrInvalidLevel ...
var ErrInvalidLevel = errors.New("invalid compression level")

// ZstdDependencyChecker ...
type ZstdDependencyChecker interface {
	CheckDependencies() bool
}

// DependencyChecker looks for the zstd binary on the PATH.
type DependencyChecker struct {
	logger  log.Logger
	envRepo env.Repository
}

// NewDependencyChecker ...
func NewDependencyChecker(logger log.Logger, envRepo env.Repository) *DependencyChecker {
	return &DependencyChecker{
		logger:  logger,
		envRepo: envRepo,
	}
}

// CheckDependencies ...
func (dc *DependencyChecker) CheckDependencies() bool {
	cmdFactory := command.NewFactory(dc.envRepo)
	cmd := cmdFactory.Create("which", []string{"zstd"}, nil)
	dc.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Compressor ...
type Compressor struct {
	logger            log.Logger
	envRepo           env.Repository
	dependencyChecker ZstdDependencyChecker
}

// NewCompressor ...
func NewCompressor(logger log.Logger, envRepo env.Repository, dependencyChecker ZstdDependencyChecker) *Compressor {
	return &Compressor{
		logger:            logger,
		envRepo:           envRepo,
		dependencyChecker: dependencyChecker,
	}
}

// CompressFile writes the zstd compressed contents of src to dst. Level 0 means DefaultLevel.
func (c *Compressor) CompressFile(src, dst string, level int) error {
	if level == 0 {
		level = DefaultLevel
	}
	if level < MinLevel || level > MaxLevel {
		return fmt.Errorf("%w: %d is not in [%d, %d]", ErrInvalidLevel, level, MinLevel, MaxLevel)
	}

	if !c.dependencyChecker.CheckDependencies() {
		c.logger.Infof("Falling back to native implementation of zstd.")
		if err := c.compressWithGoLib(src, dst, level); err != nil {
			return fmt.Errorf("compress file: %w", err)
		}
		return nil
	}

	c.logger.Infof("Using installed zstd binary")
	args := []string{"-q", "-f", "-" + strconv.Itoa(level), "--threads=0", "-o", dst, src}
	if err := c.runZstd(args); err != nil {
		return fmt.Errorf("compress file: %w", err)
	}
	return nil
}

func (c *Compressor) compressWithGoLib(src, dst string, level int) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close destination: %w", cerr)
		}
	}()

	zw, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, in); err != nil {
		_ = zw.Close()
		return fmt.Errorf("write compressed data: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}

	return nil
}

func (c *Compressor) runZstd(args []string) error {
	cmd := command.NewFactory(c.envRepo).Create("zstd", args, nil)
	c.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(out))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}
	return nil
}
