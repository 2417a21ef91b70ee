// Package manifest reads Portage Manifest files and maintains a lazily built
// filename -> owning-package index over one or more ebuild tree roots.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xarblu/portcache/internal/digest"
)

// Record 描述 Manifest 中一行 DIST 条目及其归属。
type Record struct {
	// Filename 是 distfile 名，缓存与请求的主键。
	Filename string
	// Atom 是拥有该文件的包，形如 media-libs/harfbuzz。
	Atom string
	// Size 是 Manifest 声明的字节数。
	Size int64
	// Digests 是声明的 算法:值 集合，校验时全部生效。
	Digests []digest.Digest
	// PackageDir 是包目录的绝对路径，helper 解析 ebuild 时需要。
	PackageDir string
}

// parseDistLine 解析一行 Manifest 记录，仅关心 DIST 类型。
//
//	DIST <file> <size> <ALGO> <hex> [<ALGO> <hex> ...]
func parseDistLine(line string) (Record, bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "DIST" {
		return Record{}, false, nil
	}
	if len(fields) < 5 || len(fields)%2 == 0 {
		return Record{}, false, fmt.Errorf("malformed DIST line: %s", line)
	}

	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Record{}, false, fmt.Errorf("malformed DIST size: %s", fields[2])
	}

	record := Record{
		Filename: fields[1],
		Size:     size,
	}
	for i := 3; i+1 < len(fields); i += 2 {
		algo := digest.Algorithm(fields[i])
		if !digest.Supported(algo) {
			// 未知算法跳过而不是报错，Manifest 可能比我们支持的算法集更新。
			continue
		}
		record.Digests = append(record.Digests, digest.Digest{Algo: algo, Hex: fields[i+1]})
	}

	return record, true, nil
}

// ParseManifest 读取一个 Manifest 文件的全部 DIST 条目。
// 坏行只跳过不中断，保证一个损坏条目不影响同包其他文件。
func ParseManifest(r io.Reader) ([]Record, error) {
	var records []Record

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		record, ok, err := parseDistLine(scanner.Text())
		if err != nil || !ok {
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return records, nil
}
