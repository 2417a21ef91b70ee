package fetch

import (
	"errors"
	"fmt"
)

// ErrAllSourcesExhausted 是任务的终态失败：所有 mirror 与所有 origin URI
// 都尝试过且失败。
var ErrAllSourcesExhausted = errors.New("all sources exhausted")

// ExhaustedError 在终态失败时保留两个阶段的最后一个原因，
// errors.Is/As 可以沿着它找到 DigestMismatch、HelperError 或 NotFound。
type ExhaustedError struct {
	File   string
	Mirror error
	Origin error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all sources exhausted for %s (mirror: %v, origin: %v)", e.File, e.Mirror, e.Origin)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllSourcesExhausted
}

func (e *ExhaustedError) Unwrap() []error {
	var errs []error
	if e.Mirror != nil {
		errs = append(errs, e.Mirror)
	}
	if e.Origin != nil {
		errs = append(errs, e.Origin)
	}
	return errs
}

// upstreamError 描述对单个 URL 的一次失败尝试。
type upstreamError struct {
	URL string
	Err error
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *upstreamError) Unwrap() error {
	return e.Err
}
