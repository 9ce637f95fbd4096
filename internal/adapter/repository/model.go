package repository

import "time"

// RevisionModel 是 Revision 的数据库持久化模型。
type RevisionModel struct {
	ID        string `gorm:"primaryKey"`
	Assembly  string `gorm:"index"`
	Units     string // JSON 序列化的 []string
	Outputs   string // JSON 序列化的 map[string]string
	Status    string
	Error     string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (RevisionModel) TableName() string { return "revisions" }

// RedeployModel 记录一次强制替换。
type RedeployModel struct {
	ID        string `gorm:"primaryKey"`
	Unit      string `gorm:"index"`
	Key       string
	Operation string
	Outcome   string
	Error     string `gorm:"type:text"`
	CreatedAt time.Time
}

func (RedeployModel) TableName() string { return "redeploys" }

// BuildModel 是 Build 的数据库持久化模型。
type BuildModel struct {
	ID         string `gorm:"primaryKey"`
	Unit       string `gorm:"index"`
	Container  string
	GitRepo    string
	GitRef     string
	ContextDir string
	ImageTag   string
	Status     string
	JobName    string
	Log        string `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (BuildModel) TableName() string { return "builds" }
