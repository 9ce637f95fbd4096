package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"gopkg.in/yaml.v3"
)

// LoadAssembly 读取部署声明文件（YAML，JSON 亦可）。
func LoadAssembly(path string) (*domain.Assembly, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read assembly: %w", err)
	}
	return ParseAssembly(data)
}

// ParseAssembly 解析部署声明，未知字段视为错误。
// 只做结构解析，配置校验在编译时整批进行。
func ParseAssembly(data []byte) (*domain.Assembly, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var asm domain.Assembly
	if err := dec.Decode(&asm); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: assembly is empty", domain.ErrInvalidInput)
		}
		return nil, fmt.Errorf("%w: parse assembly: %v", domain.ErrInvalidInput, err)
	}
	return &asm, nil
}
