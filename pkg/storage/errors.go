package storage

import (
	"errors"
	"fmt"
)

// 错误种类 (Error Kinds)
// 调用方统一使用 errors.Is 判断，底层的 AWS / gocloud 错误仍然可以通过 errors.As 取出
var (
	// ErrIO 后端调用失败或返回了意料之外的状态 (不存在、大小不符、权限...)
	ErrIO = errors.New("io error")

	// ErrNotFound 是 ErrIO 的一种
	ErrNotFound = fmt.Errorf("%w: object not found", ErrIO)

	// ErrInit fragment 或 metadata 在写入任何字节之前就构造失败，可以安全丢弃
	ErrInit = errors.New("init error")

	// ErrInvalidState 操作发生在非法的生命周期状态 (重复 finalize、finalize 之后再写...)
	ErrInvalidState = errors.New("invalid state")
)

// OpError 记录失败的后端操作
type OpError struct {
	Op   string // "read", "upload part", ...
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap 让 errors.Is(err, ErrIO) 恒成立，同时保留原始错误
func (e *OpError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}

// IOError 包装一个后端错误
func IOError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Path: path, Err: err}
}
