package docstore

import "github.com/redis/go-redis/v9"

// saveScript записывает документ и заменяет ячейки остатков, не трогая счётчики:
// sales и views меняются только списаниями и просмотрами, значения из документа
// попадают в них лишь при первой записи.
// KEYS[1] — документ товара, KEYS[2] — hash остатков.
// ARGV[1] — JSON документа, ARGV[2] — sales, ARGV[3] — views, далее пары (поле, количество).
var saveScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
local fields = redis.call('HKEYS', KEYS[2])
for _, field in ipairs(fields) do
  if field ~= 'sales' and field ~= 'views' then
    redis.call('HDEL', KEYS[2], field)
  end
end
for i = 4, #ARGV, 2 do
  redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
end
redis.call('HSETNX', KEYS[2], 'sales', ARGV[2])
redis.call('HSETNX', KEYS[2], 'views', ARGV[3])
return 1
`)

// claimScript проверяет все ячейки и только потом списывает.
// KEYS[1] — ключ списания, KEYS[2..] — hash остатков по позициям.
// ARGV[1] — payload списания, далее пары (поле, количество).
// Ответ: {0,0,0} при успехе, иначе {номер позиции, код, остаток}:
// код 1 — нет ячейки, 2 — не хватает остатка, 3 — нет товара.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {0, 0, 0}
end
local n = #KEYS - 1
for i = 1, n do
  local key = KEYS[i + 1]
  local field = ARGV[2 * i]
  local qty = tonumber(ARGV[2 * i + 1])
  if redis.call('EXISTS', key) == 0 then
    return {i, 3, 0}
  end
  local current = redis.call('HGET', key, field)
  if not current then
    return {i, 1, 0}
  end
  current = tonumber(current)
  if current < qty then
    return {i, 2, current}
  end
end
for i = 1, n do
  local key = KEYS[i + 1]
  local field = ARGV[2 * i]
  local qty = tonumber(ARGV[2 * i + 1])
  redis.call('HINCRBY', key, field, -qty)
  if field ~= 'total' then
    redis.call('HINCRBY', key, 'total', -qty)
  end
  redis.call('HINCRBY', key, 'sales', qty)
end
redis.call('SET', KEYS[1], ARGV[1])
return {0, 0, 0}
`)

// releaseScript возвращает остатки по списанию. Удаление ключа списания
// выполняется первым, поэтому повторный Release ничего не делает.
// ARGV — пары (поле, количество) для KEYS[2..].
var releaseScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 0 then
  return 0
end
for i = 1, #KEYS - 1 do
  local key = KEYS[i + 1]
  local field = ARGV[2 * i - 1]
  local qty = tonumber(ARGV[2 * i])
  if redis.call('HEXISTS', key, field) == 1 then
    redis.call('HINCRBY', key, field, qty)
    if field ~= 'total' then
      redis.call('HINCRBY', key, 'total', qty)
    end
    local sales = tonumber(redis.call('HGET', key, 'sales') or '0')
    local left = sales - qty
    if left < 0 then
      left = 0
    end
    redis.call('HSET', key, 'sales', left)
  end
end
return 1
`)

// awardScript начисляет очки и пересчитывает уровень в одной операции.
// KEYS[1] — hash профиля, KEYS[2] — set применённых начислений.
// ARGV: ключ начисления, очки, текущее время (unix nano), очков на уровень.
// Ответ: {прежний уровень, новый уровень, всего очков, применено(0/1)}.
var awardScript = redis.NewScript(`
local per = tonumber(ARGV[4])
local points = tonumber(redis.call('HGET', KEYS[1], 'points') or '0')
local prev = math.floor(points / per) + 1
if ARGV[1] ~= '' and redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return {prev, prev, points, 0}
end
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'created_at', ARGV[3], 'coins', 0, 'spins', 0,
    'streak_current', 0, 'streak_longest', 0)
end
local total = points + tonumber(ARGV[2])
local level = math.floor(total / per) + 1
redis.call('HSET', KEYS[1], 'points', total, 'level', level, 'updated_at', ARGV[3])
if ARGV[1] ~= '' then
  redis.call('SADD', KEYS[2], ARGV[1])
end
return {prev, level, total, 1}
`)
