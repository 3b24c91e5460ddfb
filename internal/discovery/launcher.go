package discovery

import (
	"fmt"
	"os/exec"
	"runtime"
)

// Scheme is the custom URL scheme registered by native agents.
const Scheme = "web5"

// LaunchNativeAgent invokes the OS protocol handler for the web5:// scheme,
// prompting an installed native agent to start listening or raise itself.
func LaunchNativeAgent(path string) error {
	url := fmt.Sprintf("%s://%s", Scheme, path)

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to invoke protocol handler for %s: %w", url, err)
	}
	// The handler process is fire-and-forget; reap it in the background.
	go cmd.Wait()
	return nil
}
