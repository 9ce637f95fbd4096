package domain

import (
	"encoding/json"
	"sync"
)

const EffectAllow = "Allow"

// PolicyStatement 是授予单元身份的一条权限声明。
type PolicyStatement struct {
	Sid       string   `json:"sid,omitempty" yaml:"sid,omitempty"`
	Effect    string   `json:"effect" yaml:"effect"`
	Actions   []string `json:"actions" yaml:"actions"`
	Resources []string `json:"resources" yaml:"resources"`
}

// Identity 是单元运行时使用的身份，下游可以继续追加最小权限授权。
type Identity struct {
	Name string `json:"name"`

	mu         sync.RWMutex
	statements []PolicyStatement
}

func NewIdentity(name string) *Identity {
	return &Identity{Name: name}
}

// Grant 追加一条授权。
func (i *Identity) Grant(stmt PolicyStatement) {
	if stmt.Effect == "" {
		stmt.Effect = EffectAllow
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.statements = append(i.statements, stmt)
}

// Statements 返回当前所有授权的副本。
func (i *Identity) Statements() []PolicyStatement {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]PolicyStatement, len(i.statements))
	copy(out, i.statements)
	return out
}

// MarshalJSON 输出 name 与授权列表。
func (i *Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name       string            `json:"name"`
		Statements []PolicyStatement `json:"statements"`
	}{Name: i.Name, Statements: i.Statements()})
}

func (i *Identity) MarshalYAML() (any, error) {
	return struct {
		Name       string            `yaml:"name"`
		Statements []PolicyStatement `yaml:"statements"`
	}{Name: i.Name, Statements: i.Statements()}, nil
}

// LogsManagementStatement 是日志容器需要的日志管理权限，对每个单元无条件授予。
func LogsManagementStatement() PolicyStatement {
	return PolicyStatement{
		Sid:    "AllowLogsManagement",
		Effect: EffectAllow,
		Actions: []string{
			"logs:CreateLogGroup",
			"logs:CreateLogStream",
			"logs:DescribeLogGroups",
			"logs:DescribeLogStreams",
			"logs:PutLogEvents",
			"logs:PutRetentionPolicy",
		},
		Resources: []string{"*"},
	}
}

// SecretReadStatement 只允许读取指定名称的密钥。
func SecretReadStatement(secretRef string) PolicyStatement {
	return PolicyStatement{
		Sid:       "AllowSecretRead",
		Effect:    EffectAllow,
		Actions:   []string{"ssm:GetParameter"},
		Resources: []string{"arn:aws:ssm:*:*:parameter" + secretRef},
	}
}

// DataStoreAccess 是数据存储授权级别。
type DataStoreAccess string

const (
	DataStoreRead      DataStoreAccess = "read"
	DataStoreReadWrite DataStoreAccess = "read_write"
)

// DataStoreGrant 声明某个单元可以访问某张表。编译完成后作用在单元身份上。
type DataStoreGrant struct {
	Unit   UnitRef         `json:"unit" yaml:"unit"`
	Table  string          `json:"table" yaml:"table" validate:"required"`
	Access DataStoreAccess `json:"access" yaml:"access" validate:"omitempty,oneof=read read_write"`
}

// Statement 把数据存储授权转换成权限声明。
func (g DataStoreGrant) Statement() PolicyStatement {
	actions := []string{
		"dynamodb:GetItem",
		"dynamodb:BatchGetItem",
		"dynamodb:Query",
		"dynamodb:Scan",
		"dynamodb:ConditionCheckItem",
		"dynamodb:DescribeTable",
	}
	if g.Access != DataStoreRead {
		actions = append(actions,
			"dynamodb:PutItem",
			"dynamodb:UpdateItem",
			"dynamodb:DeleteItem",
			"dynamodb:BatchWriteItem",
		)
	}
	return PolicyStatement{
		Sid:       "AllowDataStoreAccess",
		Effect:    EffectAllow,
		Actions:   actions,
		Resources: []string{"arn:aws:dynamodb:*:*:table/" + g.Table},
	}
}
