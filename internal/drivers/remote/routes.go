package remote

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/danmuck/drivergate/internal/protocol"
)

// CommandProxy forwards an arbitrary session-relative request:
// args are (method, path, body).
const CommandProxy = "proxyCommand"

// route maps a command name onto a session-relative upstream endpoint.
// Path segments written as {N} take the Nth command argument.
type route struct {
	method string
	path   string
	body   func(args []any) (any, error)
}

var routes = map[string]route{
	"getSession":     {method: http.MethodGet, path: ""},
	"getPageSource":  {method: http.MethodGet, path: "/source"},
	"getScreenshot":  {method: http.MethodGet, path: "/screenshot"},
	"getTimeouts":    {method: http.MethodGet, path: "/timeouts"},
	"timeouts":       {method: http.MethodPost, path: "/timeouts", body: objectArg(0)},
	"getUrl":         {method: http.MethodGet, path: "/url"},
	"setUrl":         {method: http.MethodPost, path: "/url", body: namedArgs("url")},
	"back":           {method: http.MethodPost, path: "/back"},
	"findElement":    {method: http.MethodPost, path: "/element", body: namedArgs("using", "value")},
	"findElements":   {method: http.MethodPost, path: "/elements", body: namedArgs("using", "value")},
	"click":          {method: http.MethodPost, path: "/element/{0}/click"},
	"getText":        {method: http.MethodGet, path: "/element/{0}/text"},
	"setValue":       {method: http.MethodPost, path: "/element/{1}/value", body: namedArgs("text")},
	"getOrientation": {method: http.MethodGet, path: "/orientation"},
	"getSettings":    {method: http.MethodGet, path: "/appium/settings"},
	"updateSettings": {method: http.MethodPost, path: "/appium/settings", body: namedArgs("settings")},
}

func (r route) resolve(args []any) (string, any, error) {
	path := r.path
	for i, arg := range args {
		token := fmt.Sprintf("{%d}", i)
		if !strings.Contains(path, token) {
			continue
		}
		s, ok := arg.(string)
		if !ok || s == "" {
			return "", nil, protocol.Newf(protocol.KindBadParameters, "argument %d must be a non-empty string", i)
		}
		path = strings.ReplaceAll(path, token, url.PathEscape(s))
	}
	if strings.Contains(path, "{") {
		return "", nil, protocol.Newf(protocol.KindBadParameters, "missing path arguments for %s", r.path)
	}
	if r.body == nil {
		return path, nil, nil
	}
	body, err := r.body(args)
	if err != nil {
		return "", nil, err
	}
	return path, body, nil
}

// namedArgs builds {names[0]: args[0], ...}.
func namedArgs(names ...string) func(args []any) (any, error) {
	return func(args []any) (any, error) {
		if len(args) < len(names) {
			return nil, protocol.Newf(protocol.KindBadParameters,
				"expected %d arguments (%s), got %d", len(names), strings.Join(names, ", "), len(args))
		}
		body := make(map[string]any, len(names))
		for i, name := range names {
			body[name] = args[i]
		}
		return body, nil
	}
}

func objectArg(i int) func(args []any) (any, error) {
	return func(args []any) (any, error) {
		if len(args) <= i {
			return nil, protocol.Newf(protocol.KindBadParameters, "argument %d is required", i)
		}
		obj, ok := args[i].(map[string]any)
		if !ok {
			return nil, protocol.Newf(protocol.KindBadParameters, "argument %d must be an object", i)
		}
		return obj, nil
	}
}

// proxyArgs reads (method, path, body) for CommandProxy.
func proxyArgs(args []any) (string, string, any, error) {
	if len(args) < 2 {
		return "", "", nil, protocol.New(protocol.KindBadParameters, "proxyCommand needs a method and a path")
	}
	method, ok := args[0].(string)
	if !ok || method == "" {
		return "", "", nil, protocol.New(protocol.KindBadParameters, "proxyCommand method must be a string")
	}
	path, ok := args[1].(string)
	if !ok {
		return "", "", nil, protocol.New(protocol.KindBadParameters, "proxyCommand path must be a string")
	}
	var body any
	if len(args) > 2 {
		body = args[2]
	}
	return strings.ToUpper(method), path, body, nil
}
