package shared

// Factory workflow permissions.
const (
	PermFactoryBatchView    = "factory.batch.view"
	PermFactoryBatchProcess = "factory.batch.process"
)

// FactoryScopes lists all permissions related to the factory workflow.
func FactoryScopes() []string {
	return []string{
		PermFactoryBatchView,
		PermFactoryBatchProcess,
	}
}
