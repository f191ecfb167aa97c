package domain

import "time"

// PointsPerLevel — сколько очков нужно на один уровень.
const PointsPerLevel = 1000

var levelTitles = []string{
	"Newbie Fashionista",
	"Style Explorer",
	"Trendsetter",
	"Fashion Icon",
	"Style Legend",
}

// LevelForPoints: level = floor(points / 1000) + 1.
func LevelForPoints(points int64) int {
	if points < 0 {
		points = 0
	}
	return int(points/PointsPerLevel) + 1
}

// TitleForLevel возвращает звание игрока; после последнего звание не меняется.
func TitleForLevel(level int) string {
	if level < 1 {
		level = 1
	}
	if level > len(levelTitles) {
		return levelTitles[len(levelTitles)-1]
	}
	return levelTitles[level-1]
}

// Wallet — балансы наградного кошелька (монеты, вращения колеса).
type Wallet struct {
	Coins int64
	Spins int64
}

// Streak — счётчики серий активности.
type Streak struct {
	Current      int
	Longest      int
	LastActiveAt time.Time
}

// Profile — прогресс игрока.
type Profile struct {
	UserID    string
	Points    int64
	Level     int
	Wallet    Wallet
	Streak    Streak
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewProfile создаёт профиль по умолчанию: 0 очков, уровень 1.
func NewProfile(userID string, now time.Time) Profile {
	return Profile{
		UserID:    userID,
		Level:     LevelForPoints(0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Title — звание для текущего уровня.
func (p Profile) Title() string {
	return TitleForLevel(p.Level)
}

// Award добавляет очки и пересчитывает уровень в той же операции.
func (p *Profile) Award(points int64, now time.Time) (LevelChange, error) {
	if points < 0 {
		return LevelChange{}, ErrInvalidPoints
	}
	prev := LevelForPoints(p.Points)
	p.Points += points
	p.Level = LevelForPoints(p.Points)
	p.UpdatedAt = now
	return LevelChange{
		PreviousLevel: prev,
		NewLevel:      p.Level,
		TotalPoints:   p.Points,
		Applied:       true,
	}, nil
}

// LevelChange — результат начисления.
type LevelChange struct {
	PreviousLevel int
	NewLevel      int
	TotalPoints   int64
	// Applied=false означает, что начисление с этим ключом уже было применено ранее.
	Applied bool
}

// LeveledUp сигнализирует о переходе на новый уровень.
func (c LevelChange) LeveledUp() bool {
	return c.NewLevel > c.PreviousLevel
}
