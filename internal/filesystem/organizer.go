package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OrganizableItem is a file CloudDownloadTask has installed into a project's
// model directory and that SmartOrganizer may relocate into a categorized
// subfolder.
type OrganizableItem struct {
	Filename string
	SavePath string
}

// SmartOrganizer sorts installed project files into category subfolders
// (Models, Images, Archives, ...) by extension.
type SmartOrganizer struct {
	enableSmartSorting bool
}

func NewSmartOrganizer() *SmartOrganizer {
	return &SmartOrganizer{enableSmartSorting: true}
}

// GetCategory returns the category for a given filename based on extension.
// Model formats take priority since they are this scanner's primary output,
// ahead of the generic media categories a downloaded archive might contain.
func GetCategory(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".obj", ".stl", ".ply", ".glb", ".gltf", ".fbx":
		return "Models"
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".svg":
		return "Images"
	case ".mp4", ".mkv", ".mov", ".avi", ".webm", ".wmv":
		return "Videos"
	case ".zip", ".rar", ".7z", ".tar", ".gz", ".iso":
		return "Archives"
	case ".pdf", ".docx", ".xlsx", ".pptx", ".txt", ".md":
		return "Documents"
	case ".exe", ".msi", ".dmg", ".pkg", ".deb":
		return "Software"
	default:
		return "Others"
	}
}

// GetOrganizedPath returns the full path where the file should be stored.
func GetOrganizedPath(baseDir, filename string) (string, error) {
	category := GetCategory(filename)
	return filepath.Join(baseDir, category, filename), nil
}

// OrganizeFile moves an installed file into its category subfolder,
// renaming it with a " (n)" suffix on collision.
func (o *SmartOrganizer) OrganizeFile(item *OrganizableItem) (string, error) {
	if !o.enableSmartSorting {
		return item.SavePath, nil
	}

	category := GetCategory(item.Filename)
	baseDir := filepath.Dir(item.SavePath)

	targetDir := filepath.Join(baseDir, category)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return item.SavePath, fmt.Errorf("failed to create category dir: %w", err)
	}

	targetPath := filepath.Join(targetDir, item.Filename)
	targetPath = o.findAvailablePath(targetPath)

	if err := os.Rename(item.SavePath, targetPath); err != nil {
		return item.SavePath, fmt.Errorf("failed to move file: %w", err)
	}

	return targetPath, nil
}

func (o *SmartOrganizer) findAvailablePath(basePath string) string {
	if _, err := os.Stat(basePath); os.IsNotExist(err) {
		return basePath
	}
	ext := filepath.Ext(basePath)

	dir := filepath.Dir(basePath)
	filename := filepath.Base(basePath)
	nameOnly := strings.TrimSuffix(filename, ext)

	for i := 1; i < 1000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", nameOnly, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%d%s", nameOnly, 9999, ext))
}
