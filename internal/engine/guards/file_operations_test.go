package guards

import "testing"

func TestFileOperations_TruePositives(t *testing.T) {
	expectFail(t, NewFileOperations(testCache(t)), []guardCase{
		{"dot dot slash", queryCtx("../../etc/passwd")},
		{"backslash", queryCtx(`..\..\windows\win.ini`)},
		{"encoded", queryCtx("%2e%2e%2f%2e%2e%2fetc%2fpasswd")},
		{"double encoded", queryCtx("%252e%252e%252f")},
		{"php wrapper", queryCtx("php://filter/convert.base64-encode/resource=index.php")},
		{"null byte", queryCtx("image.png%00.php")},
		{"procfs", queryCtx("/proc/self/environ")},
	})
}

func TestFileOperations_TrueNegatives(t *testing.T) {
	expectPass(t, NewFileOperations(testCache(t)), []guardCase{
		{"file name", queryCtx("report.pdf")},
		{"relative path", queryCtx("docs/readme.md")},
		{"version", queryCtx("version 1.2..3")},
	})
}
