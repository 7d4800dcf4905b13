package remote

import (
	"encoding/base64"
	"unicode/utf16"
)

// EncodePowerShell encodes a script for PowerShell's -EncodedCommand
// parameter, which expects base64 of the UTF-16LE bytes.
func EncodePowerShell(script string) string {
	units := utf16.Encode([]rune(script))
	b := make([]byte, len(units)*2)
	for i, u := range units {
		b[i*2] = byte(u)
		b[i*2+1] = byte(u >> 8)
	}
	return base64.StdEncoding.EncodeToString(b)
}

// PowerShellCommand returns the cmd.exe line that runs script.
func PowerShellCommand(script string) string {
	return "PowerShell -EncodedCommand " + EncodePowerShell(script)
}
