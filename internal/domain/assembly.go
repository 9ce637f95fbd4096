package domain

// Assembly 是一次部署的全部声明：共享上下文、应用列表和下游授权。
type Assembly struct {
	Name      string           `json:"name" yaml:"name" validate:"required"`
	Dashboard string           `json:"dashboard" yaml:"dashboard"`
	Shared    SharedContext    `json:"shared" yaml:"shared" validate:"-"`
	Apps      []AppDescriptor  `json:"apps" yaml:"apps" validate:"required,min=1"`
	DataStore []DataStoreGrant `json:"data_store_grants,omitempty" yaml:"data_store_grants,omitempty"`
}
