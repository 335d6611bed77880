package conflictclassify

// textExtensions and binaryExtensions ground is_likely_text_file /
// is_likely_binary (§4.3) in an extension allowlist rather than content
// sniffing, per spec: a best-effort hint for a conflict-resolution UI, not
// a content-type authority.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".json": true, ".xml": true, ".html": true,
	".htm": true, ".css": true, ".js": true, ".ts": true, ".go": true,
	".py": true, ".java": true, ".c": true, ".h": true, ".cpp": true,
	".hpp": true, ".rb": true, ".rs": true, ".sh": true, ".yaml": true,
	".yml": true, ".toml": true, ".ini": true, ".cfg": true, ".sql": true,
	".php": true, ".swift": true, ".kt": true, ".csv": true,
}

var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".webp": true, ".ico": true, ".pdf": true, ".zip": true, ".tar": true,
	".gz": true, ".7z": true, ".rar": true, ".exe": true, ".dll": true,
	".so": true, ".dylib": true, ".bin": true, ".mp3": true, ".mp4": true,
	".mov": true, ".avi": true, ".mkv": true, ".wav": true, ".doc": true,
	".docx": true, ".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true,
	".sqlite": true, ".db": true,
}
