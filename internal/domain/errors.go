package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")

	// ErrInvalidConfig 表示编排配置错误，编译期直接失败，不产生任何资源。
	ErrInvalidConfig = errors.New("invalid configuration")

	ErrMissingImage          = fmt.Errorf("missing image: %w", ErrInvalidConfig)
	ErrMissingSecret         = fmt.Errorf("missing secret reference: %w", ErrInvalidConfig)
	ErrDuplicateUnit         = fmt.Errorf("duplicate unit: %w", ErrInvalidConfig)
	ErrProbePortNotPublished = fmt.Errorf("probe port not published: %w", ErrInvalidConfig)
	ErrNameCollision         = fmt.Errorf("derived name collision: %w", ErrInvalidConfig)

	// ErrBuildFailed 表示源码镜像构建未成功，部署在下发任何资源前终止。
	ErrBuildFailed = errors.New("image build failed")

	ErrUnitNotFound     = fmt.Errorf("unit %w", ErrNotFound)
	ErrRevisionNotFound = fmt.Errorf("revision %w", ErrNotFound)
	ErrBuildNotFound    = fmt.Errorf("build %w", ErrNotFound)
)
