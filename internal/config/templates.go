package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server", "gate":
		return serverTemplate, nil
	case "capabilities", "caps":
		return capabilitiesTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `address = "127.0.0.1:4723"
admin_address = "127.0.0.1:4724"
# admin_token = "change-me"
session_override = false
relaxed_security = false
allow_insecure = []
deny_insecure = []
vendor_prefix = "appium:"
fake_driver = false
cors_origins = ["http://localhost:3000"]
# default_capabilities_file = "capabilities.jsonc"

[default_capabilities]
newCommandTimeout = 60

[log]
level = "info"

[[drivers]]
automation_name = "UiAutomator2"
url = "http://127.0.0.1:8200"
base_path = "/wd/hub"
version = "2.0.0"
health_interval = "15s"
health_failures = 3
proxy_avoid = [
  { method = "POST", path = "/session/[^/]+/appium/settings" },
]
`

const capabilitiesTemplate = `{
  // merged under every client's capabilities
  "platformName": "Android",
  "newCommandTimeout": 60,
}
`
