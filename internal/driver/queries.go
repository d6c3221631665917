package driver

// StoreIndexes are the indexes the document, policy and device-state
// queries below rely on.
var StoreIndexes = []Index{
	{Label: "Document", Property: "id"},
	{Label: "Document", Property: "category"},
	{Label: "Policy", Property: "id"},
	{Label: "DeviceState", Property: "key"},
}

const (
	SaveDocumentsQuery = `
		UNWIND $docs AS doc
		MERGE (d:Document {id: doc.id})
		SET d.category = doc.category,
			d.timestamp = doc.timestamp,
			d.content_hash = doc.content_hash,
			d.payload = doc.payload
		RETURN count(d) AS saved
	`

	DeleteDocumentsQuery = `
		MATCH (d:Document)
		WHERE d.id IN $ids
		DETACH DELETE d
	`

	LoadDocumentsQuery = `
		MATCH (d:Document)
		RETURN d.id AS id, d.payload AS payload
		ORDER BY d.timestamp ASC, d.id ASC
	`

	SavePoliciesQuery = `
		UNWIND $policies AS p
		MERGE (n:Policy {id: p.id})
		SET n.version = p.version,
			n.payload = p.payload
		RETURN count(n) AS saved
	`

	LoadPoliciesQuery = `
		MATCH (n:Policy)
		RETURN n.id AS id, n.payload AS payload
		ORDER BY n.id ASC
	`

	SaveStateQuery = `
		MERGE (s:DeviceState {key: $key})
		SET s.payload = $payload
		RETURN s.key AS key
	`

	LoadStateQuery = `
		MATCH (s:DeviceState {key: $key})
		RETURN s.payload AS payload
	`
)
