package metadata

// ObjectRow is one row of the objects table: a named, versioned object and
// its content reference. When Multipart is set the object's bytes live in
// the linked part rows and BlobID is empty; otherwise BlobID names the
// single blob holding the value.
type ObjectRow struct {
	Key            string
	Version        string
	Size           int64
	Etag           string
	Uploaded       int64 // milliseconds since epoch
	Checksums      map[string]string
	HTTPMetadata   map[string]string
	CustomMetadata map[string]string
	Multipart      bool
	BlobID         string
}

// UploadState is the lifecycle state of a multipart upload. Upload rows are
// never deleted; a finalised row is what makes a repeat abort or complete
// observable with the correct error.
type UploadState int

const (
	UploadInProgress UploadState = iota
	UploadCompleted
	UploadAborted
)

// UploadRow is one row of the multipart_uploads table.
type UploadRow struct {
	UploadID       string
	Key            string
	State          UploadState
	HTTPMetadata   map[string]string
	CustomMetadata map[string]string
}

// PartRow is one row of the multipart_parts table. ObjectKey is nil until
// the owning upload is completed and this part is selected; once set, the
// part belongs to the object at that key and must survive until the object
// is deleted or replaced.
type PartRow struct {
	UploadID    string
	PartNumber  int
	BlobID      string
	Size        int64
	Etag        string
	ChecksumMD5 string
	ObjectKey   *string
}

// SelectedPart is a caller's reference to an uploaded part in a
// complete-multipart request.
type SelectedPart struct {
	PartNumber int    `json:"part"`
	Etag       string `json:"etag"`
}

// ListEntry is one result row of a list query: either an object row, or a
// delimited prefix grouping every key that shares it. EffectiveKey is the
// greatest key inside the entry's group; paginating past it skips the whole
// group.
type ListEntry struct {
	Object          *ObjectRow
	DelimitedPrefix string
	EffectiveKey    string
}

// ListOptions are the inputs of a list query. StartAfter is the resolved
// exclusive lower bound (the coordinator folds cursors into it), Limit the
// effective page size; both are mandatory here.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
	Delimiter  string
}
