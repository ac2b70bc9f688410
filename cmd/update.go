package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// ErrScriptFailed is returned when the install script exits non-zero.
var ErrScriptFailed = errors.New("install script failed")

// Overridable in tests.
var (
	installScriptURL = "https://raw.githubusercontent.com/zjrosen/sessionscope/main/install.sh"
	latestReleaseAPI = "https://api.github.com/repos/zjrosen/sessionscope/releases/latest"

	updateClient             = &http.Client{Timeout: 15 * time.Second}
	runInstall               = runInstallScript
	executablePath           = os.Executable
	updateOut      io.Writer = os.Stdout
)

var updateVersionFlag string

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update sessionscope to the latest release",
	Long: `Download and run the install script for the latest release, or for a
specific release with --version. Homebrew installations are detected and
left to brew.`,
	RunE: runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)
	updateCmd.Flags().StringVar(&updateVersionFlag, "version", "", "release to install (defaults to latest)")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	if path, err := executablePath(); err == nil && isHomebrewPath(path) {
		fmt.Fprintln(updateOut, "sessionscope was installed via Homebrew; run: brew upgrade sessionscope")
		return nil
	}

	target := updateVersionFlag
	if target == "" {
		latest, err := latestReleaseTag()
		if err != nil {
			return fmt.Errorf("resolve latest release: %w", err)
		}
		if sameRelease(version, latest) {
			fmt.Fprintf(updateOut, "already on the latest version (%s)\n", latest)
			return nil
		}
		target = latest
	}

	fmt.Fprintf(updateOut, "installing %s\n", target)
	return runInstall(target)
}

func latestReleaseTag() (string, error) {
	resp, err := updateClient.Get(latestReleaseAPI)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("release API returned status %d", resp.StatusCode)
	}

	var release struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", err
	}
	if release.TagName == "" {
		return "", errors.New("release API returned no tag")
	}
	return release.TagName, nil
}

// sameRelease compares tags ignoring the v prefix and any build metadata
// suffix, so v0.3.0-6-gdeadbee-dirty matches v0.3.0.
func sameRelease(current, latest string) bool {
	return baseTag(current) == baseTag(latest)
}

func baseTag(tag string) string {
	tag = strings.TrimPrefix(tag, "v")
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		tag = tag[:i]
	}
	return tag
}

func isHomebrewPath(path string) bool {
	for _, marker := range []string{"/opt/homebrew/", "/Cellar/", "/homebrew/"} {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

// runInstallScript downloads install.sh to a temp file and runs it with
// VERSION set. Downloading with the same client keeps the flow testable and
// avoids a hard dependency on curl.
func runInstallScript(version string) error {
	resp, err := updateClient.Get(installScriptURL)
	if err != nil {
		return fmt.Errorf("download install script: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download install script: status %d", resp.StatusCode)
	}

	script, err := os.CreateTemp("", "sessionscope-install-*.sh")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(script.Name()) }()

	if _, err := io.Copy(script, resp.Body); err != nil {
		_ = script.Close()
		return fmt.Errorf("write install script: %w", err)
	}
	if err := script.Close(); err != nil {
		return err
	}

	bash := exec.Command("bash", script.Name())
	bash.Env = append(os.Environ(), "VERSION="+version)
	bash.Stdout = updateOut
	bash.Stderr = os.Stderr
	if err := bash.Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrScriptFailed, err)
	}
	return nil
}
