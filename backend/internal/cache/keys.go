package cache

import "fmt"

// 键语义：
// - roomKey(docID):             文档在线成员（ZSet<memberId, expireAtUnix>）
// - namesKey(docID):            memberId→显示名（Hash）
// - cursorKey(docID, memberID): 成员光标位置（String，带 TTL）

const (
	keyRoomPrefix = "presence:room:"
	keyRoomFmt    = keyRoomPrefix + "{docID:%s}"
	keyNamesFmt   = "presence:names:{docID:%s}"
	keyCursorFmt  = "presence:cursor:{docID:%s}:%s"
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID, memberID string) string {
	return fmt.Sprintf(keyCursorFmt, docID, memberID)
}
