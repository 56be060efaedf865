package storage

const (
	// TableName is the default name of the single game table
	TableName = "cataglory-games"

	// Key attributes
	AttrPartitionKey = "PartitionKey"
	AttrSortKey      = "SortKey"
	AttrGsi          = "Gsi"
	AttrGsiSortKey   = "GsiSortKey"

	// Index names
	IndexGsi = "Gsi-GsiSortKey-index"
)

// TableSchema returns the DynamoDB table creation parameters
type TableSchema struct {
	TableName string
	// Primary key
	PartitionKey string
	SortKey      string
	// Global secondary index
	GSIName         string
	GSIPartitionKey string
	GSISortKey      string
}

// GetTableSchema returns the schema configuration for the given table name.
// An empty name falls back to TableName.
func GetTableSchema(name string) TableSchema {
	if name == "" {
		name = TableName
	}
	return TableSchema{
		TableName:       name,
		PartitionKey:    AttrPartitionKey,
		SortKey:         AttrSortKey,
		GSIName:         IndexGsi,
		GSIPartitionKey: AttrGsi,
		GSISortKey:      AttrGsiSortKey,
	}
}

// keyAttributes returns the partition and sort key attribute names for an index
func keyAttributes(index Index) (string, string) {
	if index == GSIIndex {
		return AttrGsi, AttrGsiSortKey
	}
	return AttrPartitionKey, AttrSortKey
}
