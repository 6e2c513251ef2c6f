package steam

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	apperrors "github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/logging"
)

// DefaultInstalledWithoutProgress decides manifests that carry neither
// BytesToDownload nor BytesDownloaded. Such manifests belong to games
// installed before Steam started writing progress fields.
const DefaultInstalledWithoutProgress = true

// Opener hands a URL to the operating system.
type Opener func(ctx context.Context, url string) error

// LocalClient works against the Steam library directory on this machine.
type LocalClient struct {
	libraryPath     string
	assumeInstalled bool
	open            Opener
}

// NewLocalClient creates a client for the steamapps directory at libraryPath.
// assumeInstalled decides manifests without progress fields.
func NewLocalClient(libraryPath string, assumeInstalled bool) *LocalClient {
	return &LocalClient{
		libraryPath:     libraryPath,
		assumeInstalled: assumeInstalled,
		open:            OpenURL,
	}
}

// SetOpener replaces the URL opener.
func (c *LocalClient) SetOpener(open Opener) {
	c.open = open
}

// validStoreID accepts decimal app ids only, so the id is safe in both a
// file name and a steam:// URL.
func validStoreID(storeID string) error {
	if _, err := strconv.ParseUint(storeID, 10, 64); err != nil {
		return apperrors.Newf(apperrors.ErrInvalid, "invalid steam app id %q", storeID)
	}
	return nil
}

// ManifestPath returns the appmanifest file Steam keeps for an app.
func (c *LocalClient) ManifestPath(storeID string) string {
	return filepath.Join(c.libraryPath, "appmanifest_"+storeID+".acf")
}

// IsInstalled reports whether the app is fully installed in this library.
//
// No manifest means not installed. When both progress fields are present
// the app is installed only if they are equal. When neither is present the
// assumeInstalled policy decides; a single field means a download in flight.
func (c *LocalClient) IsInstalled(storeID string) bool {
	if validStoreID(storeID) != nil {
		return false
	}

	f, err := os.Open(c.ManifestPath(storeID))
	if err != nil {
		return false
	}
	defer f.Close()

	toDownload, downloaded := parseProgress(bufio.NewScanner(f))
	switch {
	case toDownload == nil && downloaded == nil:
		return c.assumeInstalled
	case toDownload != nil && downloaded != nil:
		return *toDownload == *downloaded
	default:
		return false
	}
}

// parseProgress reads BytesToDownload and BytesDownloaded from an ACF
// manifest. Lines look like: "BytesDownloaded"		"123".
func parseProgress(sc *bufio.Scanner) (toDownload, downloaded *int64) {
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.Trim(fields[0], `"`)
		if key != "BytesToDownload" && key != "BytesDownloaded" {
			continue
		}
		v, err := strconv.ParseInt(strings.Trim(fields[1], `"`), 10, 64)
		if err != nil {
			continue
		}
		if key == "BytesToDownload" {
			toDownload = &v
		} else {
			downloaded = &v
		}
		if toDownload != nil && downloaded != nil {
			break
		}
	}
	return toDownload, downloaded
}

// Install asks the Steam client to install an app.
func (c *LocalClient) Install(ctx context.Context, storeID string) error {
	return c.launch(ctx, "install", storeID)
}

// Uninstall asks the Steam client to uninstall an app.
func (c *LocalClient) Uninstall(ctx context.Context, storeID string) error {
	return c.launch(ctx, "uninstall", storeID)
}

func (c *LocalClient) launch(ctx context.Context, action, storeID string) error {
	if err := validStoreID(storeID); err != nil {
		return err
	}

	url := "steam://" + action + "/" + storeID
	if err := c.open(ctx, url); err != nil {
		return apperrors.Wrap(apperrors.ErrInstaller, "unable to reach the steam client", err)
	}
	logging.Info("requested steam "+action, map[string]interface{}{"store_id": storeID})
	return nil
}

// OpenURL opens url with the platform's default handler. The handler
// outlives ctx: it only has to hand the URL to the running Steam client.
func OpenURL(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "darwin":
		cmd = exec.Command("open", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}
