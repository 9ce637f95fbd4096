package domain

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// k8sNameRegex 匹配合法的 K8s 资源名称：小写字母开头，只含小写字母、数字和连字符，长度 2-63。
var k8sNameRegex = regexp.MustCompile(`^[a-z][a-z0-9-]{0,61}[a-z0-9]$`)

// ValidateK8sName 校验名称是否可安全用作 K8s 资源名。
func ValidateK8sName(name string) error {
	if !k8sNameRegex.MatchString(name) {
		return fmt.Errorf("%w: name %q is not a valid k8s resource name", ErrInvalidInput, name)
	}
	return nil
}

var gitRefRegex = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)

// ValidateGitRepo 只允许 https:// 或 git:// 协议。
func ValidateGitRepo(repo string) error {
	if repo == "" {
		return fmt.Errorf("%w: git_repo is required", ErrInvalidInput)
	}
	if !strings.HasPrefix(repo, "https://") && !strings.HasPrefix(repo, "git://") {
		return fmt.Errorf("%w: git_repo must use https:// or git:// protocol", ErrInvalidInput)
	}
	return nil
}

func ValidateGitRef(ref string) error {
	if ref == "" {
		return nil
	}
	if !gitRefRegex.MatchString(ref) {
		return fmt.Errorf("%w: git_ref %q contains invalid characters", ErrInvalidInput, ref)
	}
	return nil
}

var contextDirRegex = regexp.MustCompile(`^[a-zA-Z0-9._][a-zA-Z0-9._/-]*$`)

// ValidateContextDir 校验构建上下文子目录，防止路径穿越。
func ValidateContextDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if !contextDirRegex.MatchString(dir) {
		return fmt.Errorf("%w: context_dir %q contains invalid characters", ErrInvalidInput, dir)
	}
	if strings.Contains(dir, "..") {
		return fmt.Errorf("%w: context_dir %q must not contain '..'", ErrInvalidInput, dir)
	}
	if filepath.IsAbs(filepath.Clean(dir)) {
		return fmt.Errorf("%w: context_dir must be a relative path", ErrInvalidInput)
	}
	return nil
}

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
)

func getValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("k8sname", func(fl validator.FieldLevel) bool {
			return k8sNameRegex.MatchString(fl.Field().String())
		})
		structValidator = v
	})
	return structValidator
}

// ValidateStruct 按 validate tag 校验结构体，错误统一包装为 ErrInvalidConfig。
func ValidateStruct(v any) error {
	if err := getValidator().Struct(v); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
