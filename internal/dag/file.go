package dag

// File is a node of the DAG data-flow graph: either provided by the client
// up front, or produced as an output (stdout, stderr, or a declared output
// path) of exactly one execution.
type File struct {
	UUID        FileUuid
	Description string

	// Provided is true for files the client supplies before evaluation
	// starts (via Content or LocalPath). Produced files have neither set
	// here; their bytes only exist once their producing execution runs.
	Provided  bool
	Content   []byte
	LocalPath string
}

// NewFile declares an output file that some execution will produce.
func NewFile(description string) *File {
	return &File{UUID: NewFileUuid(), Description: description}
}

// ProvidedFile declares a file whose bytes the client already has inline.
// It does not register the file with any DAG; pass it to
// ExecutionDAG.ProvideFile for that.
func ProvidedFile(description string, content []byte) *File {
	return &File{UUID: NewFileUuid(), Description: description, Provided: true, Content: content}
}

// ProvidedLocalFile declares a provided file backed by a path on the
// client's local filesystem, read lazily when the DAG is submitted.
func ProvidedLocalFile(description, path string) *File {
	return &File{UUID: NewFileUuid(), Description: description, Provided: true, LocalPath: path}
}
