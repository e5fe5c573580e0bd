package storage

// IndexSchema describes one secondary index on a collection (spec ยง6.1).
type IndexSchema struct {
	Name       string
	KeyPath    string
	Unique     bool
	MultiEntry bool // KeyPath resolves to a slice; one index entry per element
}

// Schema describes one storage collection: its primary key field(s) and
// the secondary indexes maintained alongside it.
type Schema struct {
	Name           string
	KeyPath        []string // composite key when len > 1
	AutoIncrement  bool
	Indexes        []IndexSchema
}

// CoreSchemas returns the kernel's own collection schemas (spec ยง6.1):
// vnodes keyed by nodeId with a unique path index, and contents keyed by
// contentRef with a nodeId index. Extensions (tags, assets, sync) register
// their own schemas alongside these before storage connects.
func CoreSchemas() []Schema {
	return []Schema{
		{
			Name:    "vnodes",
			KeyPath: []string{"nodeId"},
			Indexes: []IndexSchema{
				{Name: "path", KeyPath: "path", Unique: true},
				{Name: "parentId", KeyPath: "parentId"},
				{Name: "type", KeyPath: "type"},
				{Name: "name", KeyPath: "name"},
			},
		},
		{
			Name:    "contents",
			KeyPath: []string{"contentRef"},
			Indexes: []IndexSchema{
				{Name: "nodeId", KeyPath: "nodeId"},
			},
		},
	}
}
