package fanout

import "strings"

// Topic names a stream of related events. Topics are created implicitly on
// first subscription and forgotten when their last subscriber leaves.
type Topic string

// Topic names shared by every node. The string forms are part of the client
// contract: browsers join groups by these names.
const (
	SupportAgentsTopic Topic = "support_agents"

	prefixOrder            = "order:"
	prefixUser             = "user_"
	prefixConversation     = "chat_"
	prefixRestaurantOrders = "restaurant:orders:"
	prefixAnnouncements    = "announcements:"
	prefixDriverLocation   = "driver:location:"
	prefixMenuImages       = "menu:images:"
)

// OrderTopic carries status changes for a single order.
func OrderTopic(orderID string) Topic { return Topic(prefixOrder + orderID) }

// UserTopic is a user's personal group. Every connection joins it on connect.
func UserTopic(userID string) Topic { return Topic(prefixUser + userID) }

// CustomerTopic is the personal topic of the customer who owns an order or
// conversation.
func CustomerTopic(customerID string) Topic { return UserTopic(customerID) }

// ConversationTopic is the group of participants watching one conversation.
func ConversationTopic(conversationID string) Topic {
	return Topic(prefixConversation + conversationID)
}

// RestaurantOrdersTopic receives NEW_ORDER notifications for one restaurant.
func RestaurantOrdersTopic(restaurantID string) Topic {
	return Topic(prefixRestaurantOrders + restaurantID)
}

// AnnouncementTopic is the push-stream topic for one announcement category.
func AnnouncementTopic(category string) Topic {
	return Topic(prefixAnnouncements + category)
}

// DriverLocationTopic streams driver positions for one order.
func DriverLocationTopic(orderID string) Topic {
	return Topic(prefixDriverLocation + orderID)
}

// MenuImagesTopic reports image-processing results for a menu item.
func MenuImagesTopic(menuItemID string) Topic {
	return Topic(prefixMenuImages + menuItemID)
}

// ConversationID extracts the conversation ID from a chat_<id> topic.
func (t Topic) ConversationID() (string, bool) {
	id, ok := strings.CutPrefix(string(t), prefixConversation)
	return id, ok && id != ""
}

// IsPersonal reports whether t is a user_<id> topic.
func (t Topic) IsPersonal() bool {
	return strings.HasPrefix(string(t), prefixUser)
}

func (t Topic) String() string { return string(t) }
