// Package srcuri invokes the external Portage metadata helper that maps an
// ebuild to its declared SRC_URI fetch map. The helper script is embedded in
// the binary and handed to a configurable interpreter on stdin, so the only
// deployment requirement is a Portage-enabled python. Invocation failures
// (crash, timeout, malformed output) surface as HelperError, kept distinct
// from network fetch failures by the resolver.
package srcuri

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

//go:embed src_uri_helper.py
var helperScript string

// HelperError 表示 helper 进程本身失败：崩溃、超时或输出不可解析。
// 与“包没有声明 URI”严格区分，后者是空 map 而不是错误。
type HelperError struct {
	Ebuild string
	Stderr string
	Err    error
}

func (e *HelperError) Error() string {
	msg := fmt.Sprintf("src_uri helper failed for %s: %v", e.Ebuild, e.Err)
	if e.Stderr != "" {
		msg += " (" + strings.TrimSpace(e.Stderr) + ")"
	}
	return msg
}

func (e *HelperError) Unwrap() error {
	return e.Err
}

// FetchMap 是 helper 的结构化输出：distfile 名 → 按声明顺序的 URI 列表。
type FetchMap map[string][]string

// Runner 持有 helper 的调用参数，可被并发使用。
type Runner struct {
	interpreter string
	timeout     time.Duration
	logger      *logrus.Logger
}

// NewRunner 构建 Runner。interpreter 通常是 Portage 自带的 python，
// 测试中可以换成任何能按约定输出 JSON 的可执行文件。
func NewRunner(interpreter string, timeout time.Duration, logger *logrus.Logger) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{
		interpreter: interpreter,
		timeout:     timeout,
		logger:      logger,
	}
}

// Resolve 对单个 ebuild 运行 helper 并返回它的 fetch map。
// 调用自带超时，超时视为 HelperError 而不是悬挂。
func (r *Runner) Resolve(ctx context.Context, ebuildPath string) (FetchMap, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.interpreter, "-", ebuildPath)
	cmd.Stdin = strings.NewReader(helperScript)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	r.logger.WithFields(logrus.Fields{
		"action":   "src_uri_helper",
		"ebuild":   ebuildPath,
		"duration": time.Since(started).String(),
	}).Debug("helper finished")

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &HelperError{Ebuild: ebuildPath, Stderr: stderr.String(), Err: ctxErr}
	}
	if err != nil {
		return nil, &HelperError{Ebuild: ebuildPath, Stderr: stderr.String(), Err: err}
	}

	var fetchMap FetchMap
	if err := json.Unmarshal(stdout.Bytes(), &fetchMap); err != nil {
		return nil, &HelperError{Ebuild: ebuildPath, Stderr: stderr.String(),
			Err: fmt.Errorf("malformed helper output: %w", err)}
	}

	return fetchMap, nil
}
