package command

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// NewSoftwareInstallHandler builds the software_install handler (spec §4.7
// item 3): download the package, verify its checksum, run the installer,
// capture the exit code.
func NewSoftwareInstallHandler(workDir string) Handler {
	return func(ctx context.Context, cmd Command) Result {
		packageURL, _ := cmd.Parameters["package_url"].(string)
		checksum, _ := cmd.Parameters["checksum_sha256"].(string)
		installArgs, _ := cmd.Parameters["install_arguments"].(string)

		if packageURL == "" {
			return failResult(cmd, ErrorCodeInternal, "missing package_url")
		}

		if err := os.MkdirAll(workDir, 0o700); err != nil {
			return failResult(cmd, ErrorCodeInternal, "create work dir: "+err.Error())
		}
		destPath := filepath.Join(workDir, cmd.CommandID+filepath.Ext(packageURL))

		if err := downloadTo(ctx, packageURL, destPath); err != nil {
			return failResult(cmd, ErrorCodeInternal, "download package: "+err.Error())
		}
		defer os.Remove(destPath)

		if checksum != "" {
			if err := verifyChecksum(destPath, checksum); err != nil {
				return failResult(cmd, ErrorCodeInternal, "checksum verification failed: "+err.Error())
			}
		}

		var args []string
		if installArgs != "" {
			args = strings.Fields(installArgs)
		}
		proc := exec.CommandContext(ctx, destPath, args...)
		var out strings.Builder
		proc.Stdout = &out
		proc.Stderr = &out

		err := proc.Run()
		exitCode := 0
		if proc.ProcessState != nil {
			exitCode = proc.ProcessState.ExitCode()
		}
		result := Result{
			CommandID:   cmd.CommandID,
			CommandType: cmd.Type,
			Success:     err == nil,
			Stdout:      out.String(),
			ExitCode:    intPtr(exitCode),
		}
		if err != nil {
			result.ErrorCode = ErrorCodeInternal
			result.ErrorMessage = err.Error()
		}
		return result
	}
}

// NewSoftwareUninstallHandler builds the software_uninstall handler (spec
// §4.7 item 4): resolve a product by package_name or product_code, invoke
// with uninstall_arguments.
func NewSoftwareUninstallHandler() Handler {
	return func(ctx context.Context, cmd Command) Result {
		productCode, _ := cmd.Parameters["product_code"].(string)
		packageName, _ := cmd.Parameters["package_name"].(string)
		uninstallArgs, _ := cmd.Parameters["uninstall_arguments"].(string)

		if productCode == "" && packageName == "" {
			return failResult(cmd, ErrorCodeInternal, "missing package_name or product_code")
		}

		proc, err := uninstallCommand(ctx, productCode, packageName, uninstallArgs)
		if err != nil {
			return failResult(cmd, ErrorCodeInternal, err.Error())
		}

		var out strings.Builder
		proc.Stdout = &out
		proc.Stderr = &out

		runErr := proc.Run()
		exitCode := 0
		if proc.ProcessState != nil {
			exitCode = proc.ProcessState.ExitCode()
		}
		result := Result{
			CommandID:   cmd.CommandID,
			CommandType: cmd.Type,
			Success:     runErr == nil,
			Stdout:      out.String(),
			ExitCode:    intPtr(exitCode),
		}
		if runErr != nil {
			result.ErrorCode = ErrorCodeInternal
			result.ErrorMessage = runErr.Error()
		}
		return result
	}
}

func uninstallCommand(ctx context.Context, productCode, packageName, uninstallArgs string) (*exec.Cmd, error) {
	var args []string
	if uninstallArgs != "" {
		args = strings.Fields(uninstallArgs)
	}

	if productCode != "" {
		msiArgs := append([]string{"/x", productCode, "/quiet", "/norestart"}, args...)
		return exec.CommandContext(ctx, "msiexec", msiArgs...), nil
	}
	if packageName != "" {
		return exec.CommandContext(ctx, "apt-get", append([]string{"remove", "-y", packageName}, args...)...), nil
	}
	return nil, fmt.Errorf("no product identifier supplied")
}

func downloadTo(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o700)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

func verifyChecksum(path, expectedHex string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(actual, expectedHex) {
		return fmt.Errorf("checksum mismatch: got %s, want %s", actual, expectedHex)
	}
	return nil
}
