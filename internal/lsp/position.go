package lsp

// Caller-facing coordinates are 1-based (editor convention); the wire
// protocol is 0-based. Conversion happens only here, at the facade boundary.

// SourceSpan is a caller-facing range, 1-based and inclusive of its start.
type SourceSpan struct {
	Line      int
	Column    int
	EndLine   int
	EndColumn int
}

// SourceLocation points at a span in a file, attributed to the server that
// reported it.
type SourceLocation struct {
	ServerID string
	Path     string
	Span     SourceSpan
}

// HoverInfo is hover content from one server.
type HoverInfo struct {
	ServerID string
	Contents string
	Span     *SourceSpan
}

// SymbolMatch is one symbol hit from a symbol query.
type SymbolMatch struct {
	ServerID  string
	Name      string
	Kind      SymbolKind
	Container string
	Path      string
	Line      int
	Column    int
}

// FileDiagnostic is one diagnostic finding, attributed to its server.
type FileDiagnostic struct {
	ServerID string
	Path     string
	Span     SourceSpan
	Severity DiagnosticSeverity
	Source   string
	Message  string
}

// wirePosition converts 1-based caller coordinates to a 0-based Position.
// Out-of-range input clamps to the document start.
func wirePosition(line, column int) Position {
	if line < 1 {
		line = 1
	}
	if column < 1 {
		column = 1
	}
	return Position{Line: line - 1, Character: column - 1}
}

// userSpan converts a wire range to 1-based caller coordinates.
func userSpan(r Range) SourceSpan {
	return SourceSpan{
		Line:      r.Start.Line + 1,
		Column:    r.Start.Character + 1,
		EndLine:   r.End.Line + 1,
		EndColumn: r.End.Character + 1,
	}
}

// userLocation converts a wire location to a caller-facing one.
func userLocation(serverID string, loc Location) SourceLocation {
	return SourceLocation{
		ServerID: serverID,
		Path:     URIToFilePath(loc.URI),
		Span:     userSpan(loc.Range),
	}
}
