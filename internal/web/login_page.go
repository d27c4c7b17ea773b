package web

import (
	"html/template"
)

type loginPageData struct {
	Action    string
	Nonce     string
	ReturnURL string
	Username  string
	Error     string
}

var loginPage = template.Must(template.New("login").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Sign in</title></head>
<body>
<form method="post" action="{{.Action}}">
{{if .Error}}<p role="alert">{{.Error}}</p>{{end}}
<input type="hidden" name="nonce" value="{{.Nonce}}">
<input type="hidden" name="returnUrl" value="{{.ReturnURL}}">
<label>Username <input name="username" value="{{.Username}}" autocomplete="username" required></label>
<label>Password <input name="password" type="password" autocomplete="current-password" required></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))
