package drivers

import "strings"

// Info describes one automation backend the gateway knows about.
type Info struct {
	AutomationName string
	// DriverName groups sessions for resource arbitration.
	DriverName string
	Platforms  []string
}

// UmbrellaAutomationName is the generic name that means "infer it for me".
const UmbrellaAutomationName = "Appium"

const (
	UiAutomator2 = "UiAutomator2"
	UiAutomator1 = "UiAutomator1"
	Espresso     = "Espresso"
	XCUITest     = "XCUITest"
	Instruments  = "Instruments"
	Windows      = "Windows"
	Mac          = "Mac"
	Mac2         = "Mac2"
	Tizen        = "Tizen"
	Flutter      = "Flutter"
	Safari       = "Safari"
	Gecko        = "Gecko"
	Fake         = "Fake"
)

var knownDrivers = []Info{
	{AutomationName: UiAutomator2, DriverName: "AndroidUiautomator2Driver", Platforms: []string{"Android"}},
	{AutomationName: UiAutomator1, DriverName: "AndroidDriver", Platforms: []string{"Android"}},
	{AutomationName: Espresso, DriverName: "EspressoDriver", Platforms: []string{"Android"}},
	{AutomationName: XCUITest, DriverName: "XCUITestDriver", Platforms: []string{"iOS", "tvOS"}},
	{AutomationName: Instruments, DriverName: "IosDriver", Platforms: []string{"iOS"}},
	{AutomationName: Windows, DriverName: "WindowsDriver", Platforms: []string{"Windows"}},
	{AutomationName: Mac, DriverName: "MacDriver", Platforms: []string{"Mac"}},
	{AutomationName: Mac2, DriverName: "Mac2Driver", Platforms: []string{"Mac"}},
	{AutomationName: Tizen, DriverName: "TizenDriver", Platforms: []string{"Tizen"}},
	{AutomationName: Flutter, DriverName: "FlutterDriver", Platforms: []string{"iOS", "Android"}},
	{AutomationName: Safari, DriverName: "SafariDriver", Platforms: []string{"iOS", "Mac"}},
	{AutomationName: Gecko, DriverName: "GeckoDriver", Platforms: []string{"Windows", "Mac", "Linux", "Android"}},
	{AutomationName: Fake, DriverName: "FakeDriver", Platforms: []string{"Fake"}},
}

// Lookup finds the table entry for name, ignoring case.
func Lookup(name string) (Info, bool) {
	name = strings.TrimSpace(name)
	for _, info := range knownDrivers {
		if strings.EqualFold(info.AutomationName, name) {
			return info, true
		}
	}
	return Info{}, false
}

// AutomationNames lists every known automation name, including the umbrella
// name, in table order.
func AutomationNames() []string {
	out := make([]string, 0, len(knownDrivers)+1)
	out = append(out, UmbrellaAutomationName)
	for _, info := range knownDrivers {
		out = append(out, info.AutomationName)
	}
	return out
}

// Known returns the full table.
func Known() []Info {
	out := make([]Info, len(knownDrivers))
	copy(out, knownDrivers)
	return out
}
