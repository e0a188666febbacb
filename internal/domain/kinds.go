package domain

// Document classes written by the sync pipeline.
const (
	ClassPerson       = "contact:class:Person"
	ClassAccount      = "contact:class:Account"
	ClassOrganization = "contact:class:Organization"
	ClassMember       = "contact:class:Member"
	ClassComment      = "chunter:class:Comment"
	ClassAttachment   = "attachment:class:Attachment"
	ClassTagElement   = "tags:class:TagElement"
	ClassTagReference = "tags:class:TagReference"
)

// SystemAccount authors everything whose remote author is unknown.
const SystemAccount = "core:account:System"

// CollectionKind describes one kind of attached sub-document that the merge
// engine knows how to reconcile.
type CollectionKind struct {
	Name       string
	Class      string
	Collection string
	// Synced kinds carry a sync trait and are reconciled by remote id, and
	// previously synced items missing from a new fetch are removed.
	Synced bool
	// KeyField identifies an unsynced item within its parent's collection.
	// Unsynced items are only ever created or updated.
	KeyField string
}

var (
	KindComment      = CollectionKind{Name: "comment", Class: ClassComment, Collection: "comments", Synced: true}
	KindAttachment   = CollectionKind{Name: "attachment", Class: ClassAttachment, Collection: "attachments", Synced: true}
	KindTagReference = CollectionKind{Name: "tag-reference", Class: ClassTagReference, Collection: "labels", Synced: true}
	KindMember       = CollectionKind{Name: "member", Class: ClassMember, Collection: "members", KeyField: "contact"}
)

// Kinds lists every reconcilable collection kind.
var Kinds = []CollectionKind{KindComment, KindAttachment, KindTagReference, KindMember}

// KindByClass looks up the collection kind for a document class.
func KindByClass(class string) (CollectionKind, bool) {
	for _, k := range Kinds {
		if k.Class == class {
			return k, true
		}
	}
	return CollectionKind{}, false
}
