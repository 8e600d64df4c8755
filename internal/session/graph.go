package session

// field identifies one derived field of the session state. The declaration
// order is a valid topological order of the dependency graph: recomputation
// walks fields in this order, so a dirty field always sees fully-updated
// dependencies.
type field int

const (
	fieldDataset field = iota
	fieldFullClustering
	fieldFullChoices
	fieldSubset
	fieldSubsetClustering
	fieldSubsetChoices
	fieldEmbeddingPlot
	fieldMarkerTable
	fieldCount
)

// dependents maps each field to the fields that must be recomputed when it
// changes.
var dependents = map[field][]field{
	fieldDataset:          {fieldFullClustering, fieldEmbeddingPlot},
	fieldFullClustering:   {fieldFullChoices, fieldSubset, fieldMarkerTable},
	fieldFullChoices:      {},
	fieldSubset:           {fieldSubsetClustering, fieldEmbeddingPlot},
	fieldSubsetClustering: {fieldSubsetChoices, fieldEmbeddingPlot},
	fieldSubsetChoices:    {fieldMarkerTable},
	fieldEmbeddingPlot:    {},
	fieldMarkerTable:      {},
}
