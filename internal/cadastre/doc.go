// Package cadastre defines the domain types, collaborator interfaces, and retry
// policies shared by the parcel resolution engine: the registry client, the
// GML parser, the row processor, the dispatcher, and the aggregator.
package cadastre
