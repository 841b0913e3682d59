// Package mutation defines the DOM change records that drive rescans.
// Records come either from an in-process dom.Page or from the shim injected
// into a live tab by the bridge; consumers only care whether a batch is
// structurally significant.
package mutation

// Op is the type of DOM mutation observed.
type Op string

const (
	OpInsert   Op = "insert"    // child node inserted
	OpRemove   Op = "remove"    // child node removed
	OpText     Op = "text"      // character data modified
	OpAttr     Op = "attr"      // attribute modified
	OpAttrDel  Op = "attr_del"  // attribute removed
	OpDocReset Op = "doc_reset" // entire document replaced (navigation)
)

// Record is a single DOM mutation. It never carries text content.
type Record struct {
	Op    Op     `json:"op"`
	XPath string `json:"xpath,omitempty"`
	Tag   string `json:"tag,omitempty"`
	Name  string `json:"name,omitempty"` // attribute name for attr/attr_del
}

// Batch groups the records delivered by one observer callback.
type Batch struct {
	PageURL   string   `json:"page_url"`
	Seq       uint64   `json:"seq"`
	Records   []Record `json:"records"`
	Timestamp int64    `json:"timestamp"` // epoch milliseconds
}

// Meaningful reports whether records contain a childList change. Attribute
// and text churn alone never warrants a rescan.
func Meaningful(records []Record) bool {
	for _, r := range records {
		switch r.Op {
		case OpInsert, OpRemove, OpDocReset:
			return true
		}
	}
	return false
}

// Insert is shorthand for an insert record.
func Insert(xpath, tag string) Record {
	return Record{Op: OpInsert, XPath: xpath, Tag: tag}
}

// Remove is shorthand for a remove record.
func Remove(xpath, tag string) Record {
	return Record{Op: OpRemove, XPath: xpath, Tag: tag}
}
