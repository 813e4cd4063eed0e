package graph

// ExportNode is the rendering-oriented projection of a Concept.
type ExportNode struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	Size        int     `json:"size"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// ExportEdge is the rendering-oriented projection of a Relationship.
type ExportEdge struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Strength float64 `json:"strength"`
	Type     string  `json:"type"`
	Context  string  `json:"context"`
}

// ExportData is the full graph payload consumed by rendering clients.
type ExportData struct {
	Nodes []ExportNode `json:"nodes"`
	Edges []ExportEdge `json:"edges"`
}

// Export projects concepts and relationships into rendering form. Node size
// reflects how many documents back the concept, with a floor of 1.
func Export(concepts []*Concept, relationships []*Relationship) *ExportData {
	data := &ExportData{
		Nodes: make([]ExportNode, 0, len(concepts)),
		Edges: make([]ExportEdge, 0, len(relationships)),
	}

	for _, c := range concepts {
		category := c.Category
		if category == "" {
			category = "default"
		}
		size := len(c.DocumentIDs)
		if size == 0 {
			size = 1
		}
		data.Nodes = append(data.Nodes, ExportNode{
			ID:          c.ID,
			Name:        c.Name,
			Category:    category,
			Size:        size,
			Description: c.Description,
			Confidence:  c.Confidence,
		})
	}

	for _, rel := range relationships {
		data.Edges = append(data.Edges, ExportEdge{
			Source:   rel.SourceID,
			Target:   rel.TargetID,
			Strength: rel.Strength,
			Type:     rel.Type,
			Context:  rel.Context,
		})
	}

	return data
}
