package httpapi

import "fmt"

// Minimal self-contained pages shown in the user's browser after the
// provider redirect. The page never echoes request parameters.

func successPage() string {
	return `<!DOCTYPE html>
<html>
<head><title>Authorization Complete</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
<h1>&#10003; Authorization complete</h1>
<p>You can close this window. The application will pick up the result automatically.</p>
</body>
</html>`
}

func failurePage(message string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>Authorization Failed</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
<h1>&#10007; Authorization failed</h1>
<p>%s</p>
</body>
</html>`, message)
}
