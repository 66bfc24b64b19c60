// pkg/types/uri.go
package types

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// URI 代表一个存储位置 (scheme://authority/path)
// 这是一个“值对象”，应当是不可变的。比较和哈希都基于规范化后的字符串。
type URI string

const schemeSep = "://"

// ParseURI 把用户输入转换成规范形式
// - "s3://bucket/a/b/" -> "s3://bucket/a/b"
// - "/tmp/arrays/a"    -> "file:///tmp/arrays/a"
// - "arrays/a"         -> "file://<cwd>/arrays/a"
func ParseURI(raw string) (URI, error) {
	if raw == "" {
		return "", fmt.Errorf("empty uri")
	}

	// 1. 本地路径 (没有 scheme)
	if !strings.Contains(raw, schemeSep) {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return "", fmt.Errorf("invalid local path %q: %w", raw, err)
		}
		return URI("file://" + filepath.ToSlash(abs)), nil
	}

	// 2. 远程 URI
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid uri %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("invalid uri %q: missing scheme", raw)
	}

	p := u.Path
	if p != "" {
		p = path.Clean("/" + p)
	}
	if p == "/" {
		p = ""
	}
	return URI(strings.ToLower(u.Scheme) + schemeSep + u.Host + p), nil
}

// MustParseURI 用于常量和测试
func MustParseURI(raw string) URI {
	u, err := ParseURI(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func (u URI) String() string { return string(u) }
func (u URI) IsZero() bool   { return u == "" }

// Scheme 返回 "s3" / "file" / "mem" ...
func (u URI) Scheme() string {
	s, _, ok := strings.Cut(string(u), schemeSep)
	if !ok {
		return ""
	}
	return s
}

// Authority 返回 host 部分 (对象存储中即 bucket)
func (u URI) Authority() string {
	_, rest, ok := strings.Cut(string(u), schemeSep)
	if !ok {
		return ""
	}
	auth, _, _ := strings.Cut(rest, "/")
	return auth
}

// Path 返回以 "/" 开头的路径部分
func (u URI) Path() string {
	_, rest, ok := strings.Cut(string(u), schemeSep)
	if !ok {
		return string(u)
	}
	i := strings.Index(rest, "/")
	if i < 0 {
		return "/"
	}
	return rest[i:]
}

// Key 返回对象存储使用的 key (去掉开头的 "/")
func (u URI) Key() string {
	return strings.TrimPrefix(u.Path(), "/")
}

// JoinPath 在末尾追加一个路径段
func (u URI) JoinPath(name string) URI {
	name = strings.Trim(name, "/")
	if name == "" {
		return u
	}
	return URI(strings.TrimSuffix(string(u), "/") + "/" + name)
}

// Parent 返回上一级目录，已经是根时返回自身
func (u URI) Parent() URI {
	if u.Path() == "/" {
		return u
	}
	s := string(u)
	i := strings.LastIndex(s, "/")
	parent := s[:i]
	// 不能越过 authority: "file:///tmp" 的父目录是 "file:///"
	if strings.HasSuffix(parent, schemeSep) {
		return URI(s[:i+1])
	}
	return URI(parent)
}

// LastPathPart 返回最后一个路径段 (文件名 / 目录名)
func (u URI) LastPathPart() string {
	p := u.Path()
	if p == "/" {
		return ""
	}
	return path.Base(p)
}

// WithLastPathPart 替换最后一个路径段，用于 fragment 的重命名
func (u URI) WithLastPathPart(name string) URI {
	return u.Parent().JoinPath(name)
}

// HasPrefix 判断 u 是否位于 dir 之下 (或等于 dir)
func (u URI) HasPrefix(dir URI) bool {
	if u == dir {
		return true
	}
	return strings.HasPrefix(string(u), strings.TrimSuffix(string(dir), "/")+"/")
}
