// Package digest implements streaming integrity verification for distfiles
// against Manifest-declared checksums, plus the Portage "filename-hash
// BLAKE2B 8" directory sharding function shared by the cache layout, the
// mirror URL scheme and the HTTP frontend.
package digest

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Algorithm 是 Manifest 中声明的摘要算法名，与 Manifest 行里的写法保持一致。
type Algorithm string

const (
	AlgoBLAKE2B Algorithm = "BLAKE2B"
	AlgoSHA512  Algorithm = "SHA512"
)

// Digest 表示一个 算法:十六进制值 对。
type Digest struct {
	Algo Algorithm
	Hex  string
}

// MismatchError 表示下载内容与声明的摘要不一致，携带第一处不匹配的细节。
type MismatchError struct {
	Algo     Algorithm
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("digest mismatch (%s): expected %s, got %s", e.Algo, e.Expected, e.Actual)
}

// Supported 返回算法是否受支持。
func Supported(algo Algorithm) bool {
	switch algo {
	case AlgoBLAKE2B, AlgoSHA512:
		return true
	default:
		return false
	}
}

func newHash(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case AlgoBLAKE2B:
		// key 为空时 blake2b.New512 不会失败。
		return blake2b.New512(nil)
	case AlgoSHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %s", algo)
	}
}

// Verifier 在字节流写入缓存临时文件的同时累积摘要，实现 io.Writer。
// 未声明任何摘要时也会累积全部受支持算法，以便记录首次下载得到的值。
type Verifier struct {
	declared []Digest
	hashes   map[Algorithm]hash.Hash
	written  int64
}

// NewVerifier 根据声明的摘要集合构建 Verifier。未知算法直接报错，
// 避免静默跳过校验。
func NewVerifier(declared []Digest) (*Verifier, error) {
	v := &Verifier{
		declared: declared,
		hashes:   make(map[Algorithm]hash.Hash),
	}

	for _, d := range declared {
		if _, exists := v.hashes[d.Algo]; exists {
			continue
		}
		h, err := newHash(d.Algo)
		if err != nil {
			return nil, err
		}
		v.hashes[d.Algo] = h
	}

	if len(v.hashes) == 0 {
		for _, algo := range []Algorithm{AlgoBLAKE2B, AlgoSHA512} {
			h, _ := newHash(algo)
			v.hashes[algo] = h
		}
	}

	return v, nil
}

func (v *Verifier) Write(p []byte) (int, error) {
	for _, h := range v.hashes {
		// hash.Hash 的 Write 永不返回错误
		_, _ = h.Write(p)
	}
	v.written += int64(len(p))
	return len(p), nil
}

// Written 返回已累积的字节数，供与 Manifest 声明的 size 对比。
func (v *Verifier) Written() int64 {
	return v.written
}

// Verify 校验所有声明的摘要，遇到第一处不匹配立即返回 MismatchError。
// 没有声明摘要时视为通过（trust-on-first-use，Manifest 值仍是最终权威）。
func (v *Verifier) Verify() error {
	for _, d := range v.declared {
		h := v.hashes[d.Algo]
		actual := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(actual, d.Hex) {
			return &MismatchError{
				Algo:     d.Algo,
				Expected: strings.ToLower(d.Hex),
				Actual:   actual,
			}
		}
	}
	return nil
}

// Computed 输出所有已累积算法的摘要值，供缓存条目记录。
func (v *Verifier) Computed() []Digest {
	result := make([]Digest, 0, len(v.hashes))
	for _, algo := range []Algorithm{AlgoBLAKE2B, AlgoSHA512} {
		h, ok := v.hashes[algo]
		if !ok {
			continue
		}
		result = append(result, Digest{Algo: algo, Hex: hex.EncodeToString(h.Sum(nil))})
	}
	return result
}

// ShardDir 把 distfile 名映射到它所在的分片目录，即文件名 BLAKE2B-512
// 摘要的第一个字节（十六进制），与 Portage 的 filename-hash BLAKE2B 8 布局一致。
func ShardDir(name string) string {
	sum := blake2b.Sum512([]byte(name))
	return hex.EncodeToString(sum[:1])
}
