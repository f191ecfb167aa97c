package postgres

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/migrations/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "sql/migrations"

// Migration — пара up/down скриптов одной версии схемы.
type Migration struct {
	Version int64
	Name    string
	// Checksum — sha256 up-скрипта; по нему ловится правка уже применённой миграции.
	Checksum string

	up   string
	down string
}

// parseMigrationFile разбирает имя вида 0003_outbox.up.sql.
func parseMigrationFile(file string) (version int64, name, direction string, err error) {
	stem, ok := strings.CutSuffix(file, ".sql")
	if !ok {
		return 0, "", "", fmt.Errorf("migration %s: not an .sql file", file)
	}
	dot := strings.LastIndexByte(stem, '.')
	if dot < 0 {
		return 0, "", "", fmt.Errorf("migration %s: missing .up/.down suffix", file)
	}
	stem, direction = stem[:dot], stem[dot+1:]
	if direction != "up" && direction != "down" {
		return 0, "", "", fmt.Errorf("migration %s: unknown direction %q", file, direction)
	}
	rawVersion, name, ok := strings.Cut(stem, "_")
	if !ok || name == "" {
		return 0, "", "", fmt.Errorf("migration %s: expected <version>_<name>", file)
	}
	version, err = strconv.ParseInt(rawVersion, 10, 64)
	if err != nil || version <= 0 {
		return 0, "", "", fmt.Errorf("migration %s: bad version %q", file, rawVersion)
	}
	return version, name, direction, nil
}

// loadMigrations читает каталог миграций из fsys и возвращает их по возрастанию версии.
func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := make(map[int64]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, direction, err := parseMigrationFile(entry.Name())
		if err != nil {
			return nil, err
		}
		raw, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration %s is empty", entry.Name())
		}

		m, seen := byVersion[version]
		if !seen {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if m.Name != name {
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, m.Name, name)
		}
		target := &m.up
		if direction == "down" {
			target = &m.down
		}
		if *target != "" {
			return nil, fmt.Errorf("migration %d_%s: duplicate %s script", version, name, direction)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, fmt.Errorf("no migrations in %s", dir)
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.up == "" || m.down == "" {
			return nil, fmt.Errorf("migration %d_%s needs both up and down scripts", m.Version, m.Name)
		}
		sum := sha256.Sum256([]byte(m.up))
		m.Checksum = hex.EncodeToString(sum[:])
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
